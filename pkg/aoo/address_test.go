// ABOUTME: Tests for /AoO address pattern parsing and building
// ABOUTME: Roles, integer ids, wildcards and malformed addresses
package aoo

import "testing"

func TestParsePattern(t *testing.T) {
	tests := []struct {
		addr string
		typ  msgType
		id   int32
		leaf string
	}{
		{"/AoO/sink/2/format", typeSink, 2, "format"},
		{"/AoO/sink/2/data", typeSink, 2, "data"},
		{"/AoO/src/1/request", typeSource, 1, "request"},
		{"/AoO/src/1/resend", typeSource, 1, "resend"},
		{"/AoO/sink/*/data", typeSink, WildcardID, "data"},
		{"/AoO/src/-5/request", typeSource, -5, "request"},
	}
	for _, tt := range tests {
		typ, id, leaf, err := parsePattern(tt.addr)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.addr, err)
			continue
		}
		if typ != tt.typ || id != tt.id || leaf != tt.leaf {
			t.Errorf("%s: got (%v, %d, %q)", tt.addr, typ, id, leaf)
		}
	}
}

func TestParsePatternSignalling(t *testing.T) {
	for _, addr := range []string{
		"/AoO/client/login", "/AoO/server/ping", "/AoO/peer/join", "/AoO/relay/x",
	} {
		typ, _, _, err := parsePattern(addr)
		if err != nil {
			t.Errorf("%s: unexpected error %v", addr, err)
		}
		if typ == typeSource || typ == typeSink || typ == typeInvalid {
			t.Errorf("%s: misclassified as %v", addr, typ)
		}
	}
}

func TestParsePatternRejectsGarbage(t *testing.T) {
	for _, addr := range []string{
		"/foo/sink/1/data",
		"/AoO/bogus/1/data",
		"/AoO/sink/xyz/data",
		"/AoO/sink/1",
		"/AoO/sink/1/",
	} {
		if _, _, _, err := parsePattern(addr); err == nil {
			t.Errorf("%s: expected error", addr)
		}
	}
}

func TestAddressBuilders(t *testing.T) {
	if got := dataAddress(7); got != "/AoO/sink/7/data" {
		t.Errorf("dataAddress: %s", got)
	}
	if got := formatAddress(WildcardID); got != "/AoO/sink/*/format" {
		t.Errorf("formatAddress wildcard: %s", got)
	}
	if got := requestAddress(3); got != "/AoO/src/3/request" {
		t.Errorf("requestAddress: %s", got)
	}
	if got := resendAddress(WildcardID); got != "/AoO/src/*/resend" {
		t.Errorf("resendAddress wildcard: %s", got)
	}
}

func TestBuildersRoundTripThroughParser(t *testing.T) {
	typ, id, leaf, err := parsePattern(resendAddress(42))
	if err != nil || typ != typeSource || id != 42 || leaf != leafResend {
		t.Errorf("round trip failed: %v %d %q %v", typ, id, leaf, err)
	}
}
