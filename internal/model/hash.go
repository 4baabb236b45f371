package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// titlePrefixRunes bounds how much of the title participates in the item id,
// so trailing edits (ellipses, tracking suffixes) don't change identity.
const titlePrefixRunes = 32

// MaxClockSkew is how far into the future a published_at may run ahead of
// ingestion before it is clamped.
const MaxClockSkew = time.Hour

// CanonicalURL normalizes a URL for identity purposes: lowercased scheme and
// host, default ports stripped, fragment dropped, trailing slash trimmed,
// and common tracking query parameters removed. Returns the input unchanged
// when it does not parse.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if q := u.Query(); len(q) > 0 {
		for key := range q {
			if strings.HasPrefix(key, "utm_") || key == "ref" || key == "fbclid" {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// ValidItemURL reports whether raw is an absolute http(s) URL.
func ValidItemURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ItemID derives the deterministic item identifier from the canonicalized
// URL and a bounded title prefix.
func ItemID(rawURL, title string) string {
	prefix := []rune(strings.TrimSpace(title))
	if len(prefix) > titlePrefixRunes {
		prefix = prefix[:titlePrefixRunes]
	}
	h := sha256.Sum256([]byte(CanonicalURL(rawURL) + "\x00" + string(prefix)))
	return hex.EncodeToString(h[:])
}

// ContentHash hashes the normalized body: control characters removed,
// whitespace collapsed, lowercased. Used for soft dedup across URLs.
func ContentHash(body string) string {
	h := sha256.Sum256([]byte(strings.ToLower(CollapseWhitespace(body))))
	return hex.EncodeToString(h[:])
}

// NormalizeText strips control characters (keeping newlines and tabs) so
// feed payloads can't smuggle terminal escapes into reports.
func NormalizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// CollapseWhitespace folds any run of whitespace into a single space and
// trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ClampPublishedAt enforces published_at <= ingested_at + MaxClockSkew.
// Returns the clamped time and whether clamping happened.
func ClampPublishedAt(published, ingested time.Time) (time.Time, bool) {
	if published.After(ingested.Add(MaxClockSkew)) {
		return ingested, true
	}
	return published, false
}

// NewItem builds a fully-derived Item from raw fetched fields. published is
// clamped against ingested per ClampPublishedAt; the caller logs the clamp.
func NewItem(name string, kind SourceKind, title, body, rawURL string, published, ingested time.Time) (Item, bool) {
	title = NormalizeText(title)
	body = NormalizeText(body)
	pub, clamped := ClampPublishedAt(published.UTC(), ingested.UTC())
	return Item{
		ID:          ItemID(rawURL, title),
		Title:       title,
		Body:        body,
		URL:         rawURL,
		PublishedAt: pub,
		SourceName:  name,
		SourceKind:  kind,
		ContentHash: ContentHash(body),
		IngestedAt:  ingested.UTC(),
	}, clamped
}
