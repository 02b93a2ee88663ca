package domain

// RawDocument is file content awaiting normalisation.
type RawDocument struct {
	// SourceID identifies the document in the knowledge base.
	SourceID string

	// URI is where the content came from, usually a file path.
	URI string

	// MIMEType selects the normaliser.
	MIMEType string

	// Content is the raw bytes.
	Content []byte

	// Metadata carries optional hints such as a "title".
	Metadata map[string]any
}

// Heading marks a section start in normalised content.
type Heading struct {
	// Level is 1 for a top-level heading.
	Level int

	// Text is the heading text without markup.
	Text string

	// Offset is the rune offset of the heading line in Document.Content.
	Offset int
}

// Document is normalised plain text ready for chunking.
type Document struct {
	SourceID string
	URI      string
	Title    string
	Content  string

	// Headings are sorted by Offset.
	Headings []Heading

	Metadata map[string]any
}

// HeadingTrail returns the nested heading texts in effect at offset,
// outermost first.
func (d *Document) HeadingTrail(offset int) []string {
	var trail []Heading
	for _, h := range d.Headings {
		if h.Offset > offset {
			break
		}
		for len(trail) > 0 && trail[len(trail)-1].Level >= h.Level {
			trail = trail[:len(trail)-1]
		}
		trail = append(trail, h)
	}
	if len(trail) == 0 {
		return nil
	}
	out := make([]string, len(trail))
	for i, h := range trail {
		out[i] = h.Text
	}
	return out
}
