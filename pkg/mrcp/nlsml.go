package mrcp

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// ContentTypeNLSML is the media type of recognition result documents.
const ContentTypeNLSML = "application/x-nlsml"

// NLSMLResult renders the single-interpretation result document reported on
// a successful recognition. text and grammar are XML-escaped.
func NLSMLResult(grammar string, confidence int, text string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<?xml version=\"1.0\"?>\n")
	fmt.Fprintf(&buf, "<result grammar=\"%s\">\n", escape(grammar))
	fmt.Fprintf(&buf, "  <interpretation grammar=\"%s\" confidence=\"%d\">\n", escape(grammar), confidence)
	fmt.Fprintf(&buf, "    <input mode=\"speech\">%s</input>\n", escape(text))
	buf.WriteString("  </interpretation>\n")
	buf.WriteString("</result>\n")
	return buf.Bytes()
}

func escape(s string) string {
	var b bytes.Buffer
	// EscapeText only fails when the writer fails; bytes.Buffer never does.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
