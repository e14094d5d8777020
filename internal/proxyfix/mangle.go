// Package proxyfix repairs the two known defects the intermediary proxy
// introduces between this service and the model provider: mangled tool names in
// the streamed response and mistranslated parallel tool calls in the outbound
// request.
package proxyfix

import "strings"

// ToolNames is the canonical tool list exposed to the model. The reverse
// mangling map is derived from it once at startup and never changes.
var ToolNames = []string{
	"create_wallet",
	"check_balance",
	"request_faucet",
	"send_payment",
}

// MangleToolName reproduces the proxy's transform: snake_case segments are
// title-cased, concatenated, and suffixed with "_tool"
// (create_wallet -> CreateWallet_tool).
func MangleToolName(name string) string {
	var b strings.Builder
	for _, segment := range strings.Split(name, "_") {
		if segment == "" {
			continue
		}
		b.WriteString(strings.ToUpper(segment[:1]))
		b.WriteString(strings.ToLower(segment[1:]))
	}
	b.WriteString("_tool")
	return b.String()
}

var mangledToCanonical = buildMangledIndex(ToolNames)

func buildMangledIndex(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[MangleToolName(name)] = name
	}
	return out
}

// CanonicalToolName reverses the proxy's mangling. The bool reports whether
// the input is a known mangled form.
func CanonicalToolName(mangled string) (string, bool) {
	name, ok := mangledToCanonical[mangled]
	return name, ok
}
