package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HashBytes returns the hex SHA-256 content address of a resource.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ExtractResourceRefs parses a story's DOM and returns the absolute URLs of
// the assets it references: stylesheets, scripts, and images. Order follows
// document order, duplicates removed. data:, javascript:, and fragment-only
// references are skipped.
func ExtractResourceRefs(baseURL string, doc []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("render: parse base url: %w", err)
	}

	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("render: parse dom: %w", err)
	}

	var refs []string
	seen := make(map[string]bool)

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") ||
			strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "javascript:") {
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := base.ResolveReference(u).String()
		if !seen[abs] {
			seen[abs] = true
			refs = append(refs, abs)
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Link:
				if linkIsAsset(n) {
					add(attrVal(n, "href"))
				}
			case atom.Script, atom.Img, atom.Source:
				add(attrVal(n, "src"))
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(root)

	return refs, nil
}

// linkIsAsset reports whether a <link> pulls in a renderable asset rather
// than metadata (canonical, alternate, preconnect...).
func linkIsAsset(n *html.Node) bool {
	switch strings.ToLower(attrVal(n, "rel")) {
	case "stylesheet", "icon", "shortcut icon", "preload":
		return true
	}
	return false
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
