// Package normalize maps source-specific raw items onto the canonical
// announcement entity. All functions are pure: no I/O, no clocks.
package normalize

import (
	"crypto/sha256"
	"fmt"
	"html"
	"regexp"
	"strings"

	"transit_relay/internal/model"
)

var (
	statusIDRe  = regexp.MustCompile(`/status/(\d+)`)
	digitsRe    = regexp.MustCompile(`\d{5,}`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	brRe        = regexp.MustCompile(`(?i)<br\s*/?>`)
	paraRe      = regexp.MustCompile(`(?i)</p>\s*<p>`)
	blockRe     = regexp.MustCompile(`(?i)</?(blockquote|p|hr)\s*/?>`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
	srcAttrRe   = regexp.MustCompile(`src="([^"]+)"`)
	mentionRe   = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9_]{1,30})`)
	multiSpace  = regexp.MustCompile(`[ \t]{2,}`)
	videoSuffix = []string{".mp4", ".m3u8"}
)

// Item turns a raw item into the canonical announcement for its source
// kind. It returns an error for malformed payloads (no usable external
// id); such items are dropped, not retried, since the source cursor
// will not replay them.
func Item(raw model.RawItem, kind model.SourceKind) (*model.Announcement, error) {
	switch kind {
	case model.SourceScrape:
		return scrapeItem(raw)
	case model.SourceFeed:
		return feedItem(raw)
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

// scrapeItem handles entries from a rendered-timeline RSS page. The
// external id is the numeric status id; the permalink is rebuilt as a
// canonical upstream URL so readers never see the scraper host.
func scrapeItem(raw model.RawItem) (*model.Announcement, error) {
	id := statusID(raw.ExternalID)
	if id == "" {
		id = statusID(raw.Link)
	}
	if id == "" {
		return nil, fmt.Errorf("no status id in item %q", raw.ExternalID)
	}

	text := HTMLToText(raw.Content)
	if text == "" {
		text = HTMLToText(raw.Title)
	}
	text = RemoveTruncatedURLTokens(text)
	text = ReplaceMentions(text)

	author := strings.TrimPrefix(strings.TrimSpace(raw.Author), "@")

	return &model.Announcement{
		SourceID:   raw.SourceID,
		ExternalID: id,
		Text:       strings.TrimSpace(text),
		Permalink:  canonicalURL(author, id, raw.Link),
		MediaRefs:  MediaRefs(raw.Content),
	}, nil
}

// feedItem handles plain syndication entries. Feeds without GUIDs fall
// back to a content hash so the dedup key stays stable across polls.
func feedItem(raw model.RawItem) (*model.Announcement, error) {
	id := strings.TrimSpace(raw.ExternalID)
	if id == "" {
		if raw.Title == "" && raw.Link == "" {
			return nil, fmt.Errorf("feed item has no guid, title or link")
		}
		h := sha256.Sum256([]byte(raw.Title + "|" + raw.Link))
		id = fmt.Sprintf("sha256:%x", h[:16])
	}

	text := HTMLToText(raw.Title)
	if desc := HTMLToText(raw.Content); desc != "" {
		if text == "" {
			text = desc
		} else if desc != text {
			text = text + "\n\n" + desc
		}
	}

	return &model.Announcement{
		SourceID:   raw.SourceID,
		ExternalID: id,
		Text:       strings.TrimSpace(text),
		Permalink:  raw.Link,
		MediaRefs:  MediaRefs(raw.Content),
	}, nil
}

// HTMLToText flattens an HTML fragment to plain text, preserving
// paragraph breaks.
func HTMLToText(fragment string) string {
	if fragment == "" {
		return ""
	}
	text := brRe.ReplaceAllString(fragment, "\n")
	text = paraRe.ReplaceAllString(text, "\n\n")
	text = blockRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankRe.ReplaceAllString(text, "\n\n")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// MediaRefs extracts image and video URLs from src attributes of an
// HTML fragment, de-duplicated in document order.
func MediaRefs(fragment string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range srcAttrRe.FindAllStringSubmatch(fragment, -1) {
		u := strings.TrimSpace(m[1])
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		refs = append(refs, u)
	}
	return refs
}

// IsVideo reports whether a media URL points to a video container.
func IsVideo(url string) bool {
	lower := strings.ToLower(url)
	for _, suffix := range videoSuffix {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// ReplaceMentions rewrites @handles as #handles so forwarded text never
// pings accounts on the destination network. E-mail addresses (word
// character before the @) are left alone.
func ReplaceMentions(text string) string {
	return mentionRe.ReplaceAllString(text, "$1#$2")
}

// RemoveTruncatedURLTokens drops word tokens that look like cut-off
// URLs (ellipsis plus a slash or dot), which scraped summaries often
// contain.
func RemoveTruncatedURLTokens(text string) string {
	if text == "" {
		return ""
	}
	tokens := strings.Fields(text)
	kept := tokens[:0]
	for _, tok := range tokens {
		hasEllipsis := strings.Contains(tok, "…") || strings.Contains(tok, "...")
		looksLikeURL := strings.Contains(tok, "/") || strings.Contains(tok, ".") ||
			strings.HasPrefix(strings.ToLower(tok), "http") ||
			strings.HasPrefix(strings.ToLower(tok), "www")
		if hasEllipsis && looksLikeURL {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// statusID extracts a numeric status id from a raw id or URL.
func statusID(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}
	if isDigits(raw) {
		return raw
	}
	if m := statusIDRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return digitsRe.FindString(raw)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func canonicalURL(username, statusID, fallback string) string {
	if statusID != "" && username != "" {
		return fmt.Sprintf("https://x.com/%s/status/%s", username, statusID)
	}
	if statusID != "" {
		return fmt.Sprintf("https://x.com/i/status/%s", statusID)
	}
	return fallback
}
