package server

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP message signatures, the cavage draft flavor the fediverse speaks.
// Signing and validation are both done by hand here; the canonical
// string has to match what Mastodon and friends compute byte for byte.

const signatureAlgorithm = "rsa-sha256"

// computeDigest hashes a request body into a Digest header value.
func computeDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "sha-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// digestsEqual compares Digest values: the algorithm token is
// case-insensitive, the hash is not.
func digestsEqual(a, b string) bool {
	algoA, hashA, okA := strings.Cut(a, "=")
	algoB, hashB, okB := strings.Cut(b, "=")
	if !okA || !okB {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(algoA), strings.TrimSpace(algoB)) && hashA == hashB
}

// signedHeaderList is the header list for a request's canonical string.
func signedHeaderList(method string, hasBody bool) []string {
	if method == http.MethodPost && hasBody {
		return []string{"(request-target)", "host", "date", "user-agent", "content-type", "digest"}
	}
	return []string{"(request-target)", "host", "date", "user-agent", "accept"}
}

// computeSigningString joins the signed headers in exactly the order
// the list specifies, names lower-cased and trimmed.
func computeSigningString(signedHeaders []string, method, path string, header func(string) string) string {
	lines := make([]string, 0, len(signedHeaders))
	for _, hdr := range signedHeaders {
		name := strings.ToLower(strings.TrimSpace(hdr))
		var s string
		if name == "(request-target)" {
			s = fmt.Sprintf("(request-target): %s %s", strings.ToLower(method), path)
		} else {
			s = fmt.Sprintf("%s: %s", name, header(name))
		}
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n")
}

var quotedEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Sign produces a Signature header value over the request described by
// method, path (with query), and headers.
func Sign(privateKey *rsa.PrivateKey, keyID, method, path string, header func(string) string, hasBody bool) (string, error) {
	signedHeaders := signedHeaderList(method, hasBody)
	signingString := computeSigningString(signedHeaders, method, path, header)

	hashed := sha256.Sum256([]byte(signingString))
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`keyId="%s",headers="%s",signature="%s",algorithm="%s"`,
		quotedEscaper.Replace(keyID),
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(signature),
		signatureAlgorithm), nil
}

// SignRequest signs an outgoing request in place, adding Digest (when
// there is a body) and Signature headers.
func SignRequest(privateKey *rsa.PrivateKey, keyID string, r *http.Request) error {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("reading request body for signing: %w", err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(b))
		body = b
	}
	if len(body) > 0 {
		r.Header.Set("Digest", computeDigest(body))
	}
	header := func(name string) string {
		if name == "host" && r.Header.Get("Host") == "" {
			return r.Host
		}
		return r.Header.Get(name)
	}
	sig, err := Sign(privateKey, keyID, r.Method, r.URL.RequestURI(), header, len(body) > 0)
	if err != nil {
		return err
	}
	r.Header.Set("Signature", sig)
	return nil
}

// parseSignatureHeader splits a Signature header into its fields,
// unescaping quoted values. Bare tokens are tolerated for interop.
func parseSignatureHeader(value string) (map[string]string, error) {
	fields := make(map[string]string)
	rest := value
	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed signature header near [%s]", rest)
		}
		name := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			var sb strings.Builder
			i := 1
			closed := false
			for i < len(rest) {
				c := rest[i]
				if c == '\\' && i+1 < len(rest) {
					sb.WriteByte(rest[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for [%s]", name)
			}
			val = sb.String()
			rest = strings.TrimPrefix(strings.TrimSpace(rest[i:]), ",")
		} else {
			val, rest, _ = strings.Cut(rest, ",")
			val = strings.TrimSpace(val)
		}
		rest = strings.TrimSpace(rest)
		fields[name] = val
	}
	return fields, nil
}

// Validate checks a Signature header against the actual request's
// method, path, and headers, using the claimed signer's public key.
func Validate(publicKeyPEM, signatureHeader, method, path string, header func(string) string) bool {
	fields, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return false
	}
	if !strings.EqualFold(fields["algorithm"], signatureAlgorithm) {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return false
	}
	signedHeaders := strings.Fields(fields["headers"])
	if len(signedHeaders) == 0 {
		return false
	}
	signingString := computeSigningString(signedHeaders, method, path, header)

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	hashed := sha256.Sum256([]byte(signingString))
	return rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, hashed[:], signature) == nil
}
