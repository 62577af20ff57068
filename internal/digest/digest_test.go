package digest

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
)

func TestResponseMatchesManualChain(t *testing.T) {
	auth := NewDigestAuthenticator("DEST1", "secret")

	a1Sum := md5.Sum([]byte("DEST1:myrealm:secret"))
	a1 := hex.EncodeToString(a1Sum[:])
	if got := auth.ComputeA1("myrealm"); got != a1 {
		t.Fatalf("ComputeA1 = %q, want %q", got, a1)
	}

	respSum := md5.Sum([]byte(a1 + ":nonce123"))
	want := strings.ToUpper(hex.EncodeToString(respSum[:]))
	if got := auth.Response("myrealm", "nonce123"); got != want {
		t.Fatalf("Response = %q, want %q", got, want)
	}
}

func TestResponseIsUppercase(t *testing.T) {
	auth := NewDigestAuthenticator("DEST1", "secret")
	resp := auth.Response("realm", "nonce")
	if resp != strings.ToUpper(resp) {
		t.Fatalf("Response must be uppercase, got %q", resp)
	}
}
