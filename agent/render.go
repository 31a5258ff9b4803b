package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/richinex/parley/tools"
)

// renderBlock renders data as a fenced block the client displays as a widget.
func renderBlock(block string, data interface{}) string {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("unencodable %s data", block)})
	}
	return "\n\n```" + block + "\n" + string(raw) + "\n```\n\n"
}

var altReplacer = strings.NewReplacer("[", "(", "]", ")", "\n", " ")

// renderImage renders a generated image as a markdown image reference.
func renderImage(image tools.Image) string {
	alt := image.RevisedPrompt
	if alt == "" {
		alt = image.Attachment.Name
	}
	return "\n\n![" + altReplacer.Replace(alt) + "](" + image.Attachment.URL + ")\n\n"
}
