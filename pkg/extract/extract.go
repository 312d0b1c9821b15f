// ------------------------------------------------------
// Linkmark - Link Extraction
// Pulls anchor targets out of fetched HTML pages
// ------------------------------------------------------

package extract

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Links parses the HTML document in r and returns the unique absolute
// link targets of its anchor tags, resolved against base and returned
// in first-seen order. Fragment-only, javascript:, mailto:, tel: and
// data: references are dropped, and fragments are stripped from kept
// links. A nil base keeps absolute links only.
func Links(base *url.URL, r io.Reader) ([]string, error) {
	var links []string
	seen := make(map[string]bool)

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return links, nil
			}
			return nil, fmt.Errorf("parse html: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if len(name) != 1 || name[0] != 'a' || !hasAttr {
				continue
			}

			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					if link, ok := resolveRef(base, string(val)); ok && !seen[link] {
						seen[link] = true
						links = append(links, link)
					}
					break
				}
				if !more {
					break
				}
			}
		}
	}
}

// resolveRef turns a raw href value into an absolute http(s) URL, or
// reports that the reference should be skipped.
func resolveRef(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		// Malformed targets are skipped, not fatal
		return "", false
	}

	switch strings.ToLower(ref.Scheme) {
	case "javascript", "mailto", "tel", "data":
		return "", false
	}

	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if !abs.IsAbs() || (abs.Scheme != "http" && abs.Scheme != "https") {
		return "", false
	}

	abs.Fragment = ""
	return abs.String(), true
}
