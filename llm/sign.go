package llm

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// requestSigner adds HMAC headers to relay requests. The signature is the hex
// HMAC-SHA256 of "timestamp:nonce:body", where body is the request payload as
// compact JSON with sorted keys and non-ASCII characters \u-escaped.
type requestSigner struct {
	secret []byte
	now    func() time.Time
	nonce  func() string
}

func newRequestSigner(secret string) *requestSigner {
	return &requestSigner{
		secret: []byte(secret),
		now:    time.Now,
		nonce:  uuid.NewString,
	}
}

func (s *requestSigner) sign(headers map[string]string, body any) error {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return fmt.Errorf("failed to sign relay request: %w", err)
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()

	headers[HeaderTimestamp] = timestamp
	headers[HeaderNonce] = nonce
	headers[HeaderSignature] = signature(s.secret, timestamp, nonce, canonical)
	return nil
}

func signature(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{':'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{':'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON renders v the way the relay recomputes it before checking a
// signature.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Re-decode into generic values so object keys come out sorted.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}

	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]

		switch {
		case r < utf8.RuneSelf:
			out = append(out, byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
	}
	return out
}
