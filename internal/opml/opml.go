// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one subscription from an OPML document.
type FeedEntry struct {
	Title string
	URL   string
}

// Parse reads an OPML document and returns its feeds, deduplicated by URL.
// Nested outlines are flattened; the feed list here has no folders.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	seen := make(map[string]bool)
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" && !seen[o.XMLURL] {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{Title: title, URL: o.XMLURL})
				seen[o.XMLURL] = true
			}
			if len(o.Outlines) > 0 {
				walk(o.Outlines)
			}
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Export generates an OPML document from a flat feed list.
func Export(title string, entries []FeedEntry) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}
	for _, e := range entries {
		text := e.Title
		if text == "" {
			text = e.URL
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:   text,
			Title:  text,
			Type:   "rss",
			XMLURL: e.URL,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
