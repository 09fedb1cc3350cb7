package dispatch

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner 对外发邮件做 DKIM 签名
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner 用已加载的私钥创建签名器
func NewDKIMSigner(domain, selector string, key crypto.Signer) (*DKIMSigner, error) {
	if domain == "" || selector == "" || key == nil {
		return nil, errors.New("dkim: domain, selector and key are required")
	}
	return &DKIMSigner{domain: domain, selector: selector, key: key}, nil
}

// LoadDKIMSigner 从 PEM 文件加载 RSA 或 Ed25519 私钥
func LoadDKIMSigner(domain, selector, keyPath string) (*DKIMSigner, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("dkim: read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("dkim: no PEM block in key file")
	}

	var key interface{}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: parse key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("dkim: unsupported key type %T", key)
	}
	return NewDKIMSigner(domain, selector, signer)
}

// Sign 返回带 DKIM-Signature 头的完整邮件
func (s *DKIMSigner) Sign(msg []byte) ([]byte, error) {
	var out bytes.Buffer
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}
	if err := dkim.Sign(&out, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}
	return out.Bytes(), nil
}
