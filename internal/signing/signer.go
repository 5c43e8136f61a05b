package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FlagEd25519 为序列化签名的方案标识。
const FlagEd25519 byte = 0x00

// SerializedSize 为 flag || signature || public key 的长度。
const SerializedSize = 1 + ed25519.SignatureSize + ed25519.PublicKeySize

// transactionIntent 为交易数据的 intent 前缀：scope、version、app id。
var transactionIntent = [3]byte{0x00, 0x00, 0x00}

// IntentMessage 返回带 intent 前缀的待签名消息。
func IntentMessage(program []byte) []byte {
	msg := make([]byte, 0, len(transactionIntent)+len(program))
	msg = append(msg, transactionIntent[:]...)
	return append(msg, program...)
}

// IntentHash 返回 intent 消息的 blake2b-256 哈希。
func IntentHash(program []byte) [32]byte {
	return blake2b.Sum256(IntentMessage(program))
}

// Digest 返回内容派生的交易摘要（十六进制）。同样的程序字节总是得到同样的摘要。
func Digest(program []byte) string {
	sum := IntentHash(program)
	return hex.EncodeToString(sum[:])
}

// Ed25519Signer 使用单一 ed25519 密钥签名，私钥不离开该结构。
type Ed25519Signer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// NewEd25519Signer 由 32 字节种子创建签名器。
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: 种子长度必须为 %d 字节，实际 %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		key: key,
		pub: key.Public().(ed25519.PublicKey),
	}, nil
}

// ParseSeed 解析十六进制（可带 0x）或 base64 编码的种子。
func ParseSeed(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("signing: 种子为空")
	}
	trimmed := strings.TrimPrefix(encoded, "0x")
	if raw, err := hex.DecodeString(trimmed); err == nil && len(raw) == ed25519.SeedSize {
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signing: 无法解析种子: %w", err)
	}
	// 兼容带 scheme flag 的 33 字节私钥
	if len(raw) == ed25519.SeedSize+1 && raw[0] == FlagEd25519 {
		raw = raw[1:]
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: 种子长度必须为 %d 字节，实际 %d", ed25519.SeedSize, len(raw))
	}
	return raw, nil
}

// Sign 对 intent 哈希签名，返回 flag || signature || public key。
func (s *Ed25519Signer) Sign(ctx context.Context, program []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(program) == 0 {
		return nil, errors.New("signing: 待签名内容为空")
	}
	sum := IntentHash(program)
	sig := ed25519.Sign(s.key, sum[:])

	out := make([]byte, 0, SerializedSize)
	out = append(out, FlagEd25519)
	out = append(out, sig...)
	return append(out, s.pub...), nil
}

// PublicKey 返回公钥副本。
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Address 返回由 flag || public key 派生的账户地址。
func (s *Ed25519Signer) Address() string {
	sum := blake2b.Sum256(append([]byte{FlagEd25519}, s.pub...))
	return "0x" + hex.EncodeToString(sum[:])
}

// Verify 校验序列化签名与程序字节是否匹配。
func Verify(serialized, program []byte) error {
	if len(serialized) != SerializedSize {
		return fmt.Errorf("signing: 签名长度无效 %d", len(serialized))
	}
	if serialized[0] != FlagEd25519 {
		return fmt.Errorf("signing: 不支持的签名方案 0x%02x", serialized[0])
	}
	sig := serialized[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(serialized[1+ed25519.SignatureSize:])
	sum := IntentHash(program)
	if !ed25519.Verify(pub, sum[:], sig) {
		return errors.New("signing: 签名校验失败")
	}
	return nil
}
