package foxess

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// signatureSeparator is the literal four characters backslash r backslash n,
// not a CR LF pair. The cloud's reference clients interpolate the escape
// sequence into a raw string, so the printable form is what gets hashed.
const signatureSeparator = `\r\n`

// browserUserAgent is sent on every request. The cloud rejects requests from
// clients it does not recognize.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// signPath computes the lowercase hex MD5 signature for a request path at
// the given millisecond timestamp. Only the portion of the path before any
// query string is signed; including the query produces a signature the cloud
// rejects. MD5 is the digest the wire format requires, it is not a security
// measure.
func signPath(path, apiKey string, timestampMS int64) string {
	path, _, _ = strings.Cut(path, "?")
	plain := path + signatureSeparator + apiKey + signatureSeparator + strconv.FormatInt(timestampMS, 10)
	sum := md5.Sum([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// authHeaders builds the full authentication header set for a request to
// path. Pure function of its inputs plus the supplied wall-clock time.
func authHeaders(path, apiKey string, now time.Time) http.Header {
	ts := now.UnixMilli()
	h := http.Header{}
	h.Set("token", apiKey)
	h.Set("lang", "en")
	h.Set("timestamp", strconv.FormatInt(ts, 10))
	h.Set("Content-Type", "application/json")
	h.Set("signature", signPath(path, apiKey, ts))
	h.Set("User-Agent", browserUserAgent)
	h.Set("Connection", "close")
	return h
}
