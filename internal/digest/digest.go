// Package digest implements the CAS digest authentication chain:
// MD5(destId:realm:password) -> A1; MD5(A1:nonce) -> response.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// DigestAuthenticator is a stateless MD5 digest chain, constructed once per
// CS process from (destId, password).
type DigestAuthenticator struct {
	destID   string
	password string
}

// NewDigestAuthenticator creates a digest authenticator for the given
// CAS destId and password.
func NewDigestAuthenticator(destID, password string) *DigestAuthenticator {
	return &DigestAuthenticator{destID: destID, password: password}
}

// ComputeA1 computes MD5(destId:realm:password), hex-lowercase, for the
// realm supplied in the CAS challenge.
func (d *DigestAuthenticator) ComputeA1(realm string) string {
	return d.md5Hex(d.destID + ":" + realm + ":" + d.password)
}

// Response computes MD5(A1:nonce), hex, uppercased — CAS expects the
// uppercase form of the final digest.
func (d *DigestAuthenticator) Response(realm, nonce string) string {
	a1 := d.ComputeA1(realm)
	return strings.ToUpper(d.md5Hex(a1 + ":" + nonce))
}

func (d *DigestAuthenticator) md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}
