package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// printRawJSON re-indents a JSON document, falling back to the raw bytes.
func printRawJSON(w io.Writer, raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, _ = fmt.Fprintln(w, string(raw))
		return
	}
	printJSON(w, v)
}
