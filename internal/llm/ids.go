package llm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// syntheticToolCallID returns a correlation id for providers that do
// not assign one (Ollama, text-embedded tool calls). The id only has to
// be unique within a batch; the random suffix keeps ids unique across
// rounds of the same conversation too.
func syntheticToolCallID(name string, index int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("call_%s_%d_%s", name, index, suffix)
}
