// ABOUTME: OSC address pattern parsing and building for the /AoO namespace
// ABOUTME: Routes datagrams to sources and sinks by role and integer id
package aoo

import (
	"fmt"
	"strconv"
	"strings"
)

// msgType classifies an /AoO address by its role segment.
type msgType int

const (
	typeInvalid msgType = iota
	typeSource
	typeSink
	typeClient
	typeServer
	typePeer
	typeRelay
)

const (
	addrDomain = "/AoO"

	leafFormat  = "format"
	leafData    = "data"
	leafRequest = "request"
	leafResend  = "resend"
)

// parsePattern splits an OSC address under /AoO into role, target id and
// leaf. The id token may be the literal "*" (WildcardID). Signalling
// roles (client/server/peer/relay) are recognised but carry no id or
// leaf; they belong to the layer above the core.
func parsePattern(addr string) (msgType, int32, string, error) {
	rest, ok := strings.CutPrefix(addr, addrDomain)
	if !ok {
		return typeInvalid, NoneID, "", fmt.Errorf("not an AoO address: %q", addr)
	}

	var typ msgType
	switch {
	case strings.HasPrefix(rest, "/src/"):
		typ = typeSource
		rest = rest[len("/src/"):]
	case strings.HasPrefix(rest, "/sink/"):
		typ = typeSink
		rest = rest[len("/sink/"):]
	case strings.HasPrefix(rest, "/client/"):
		return typeClient, NoneID, "", nil
	case strings.HasPrefix(rest, "/server/"):
		return typeServer, NoneID, "", nil
	case strings.HasPrefix(rest, "/peer/"):
		return typePeer, NoneID, "", nil
	case strings.HasPrefix(rest, "/relay/"):
		return typeRelay, NoneID, "", nil
	default:
		return typeInvalid, NoneID, "", fmt.Errorf("unknown AoO role in %q", addr)
	}

	idToken, leaf, ok := strings.Cut(rest, "/")
	if !ok || leaf == "" {
		return typeInvalid, NoneID, "", fmt.Errorf("missing leaf in %q", addr)
	}

	if idToken == "*" {
		return typ, WildcardID, leaf, nil
	}
	id, err := strconv.ParseInt(idToken, 10, 32)
	if err != nil {
		return typeInvalid, NoneID, "", fmt.Errorf("bad id %q in %q", idToken, addr)
	}
	return typ, int32(id), leaf, nil
}

func idToken(id int32) string {
	if id == WildcardID {
		return "*"
	}
	return strconv.FormatInt(int64(id), 10)
}

// formatAddress is the /format announce address for a sink id.
func formatAddress(sink int32) string {
	return addrDomain + "/sink/" + idToken(sink) + "/" + leafFormat
}

// dataAddress is the /data address for a sink id.
func dataAddress(sink int32) string {
	return addrDomain + "/sink/" + idToken(sink) + "/" + leafData
}

// requestAddress is the /request address for a source id.
func requestAddress(src int32) string {
	return addrDomain + "/src/" + idToken(src) + "/" + leafRequest
}

// resendAddress is the /resend address for a source id.
func resendAddress(src int32) string {
	return addrDomain + "/src/" + idToken(src) + "/" + leafResend
}

// asInt32 extracts an int32 OSC argument.
func asInt32(v any) (int32, bool) {
	i, ok := v.(int32)
	return i, ok
}

// asFloat64 extracts a double OSC argument.
func asFloat64(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
