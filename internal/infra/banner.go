package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner: mode, version and one line per
// configured exchange with its auth state.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.App.Mode)
	if mode == "" {
		mode = "LIVE"
	}

	color := ColorGreen
	modeDesc := "PUBLIC MARKET DATA"
	switch mode {
	case "LIVE":
		for _, ex := range cfg.Exchanges {
			if ex.Credentials.Configured() {
				color = ColorRed
				modeDesc = "LIVE ORDERS ENABLED"
				break
			}
		}
	case "PAPER":
		color = ColorCyan
		modeDesc = "PAPER EXCHANGE"
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}

	fmt.Fprintln(w)
	line("###########################################################")
	line("#   🎱 magic8bot exchange adapters                        #")
	line("#   MODE:    %-44s #", mode)
	line("#   TYPE:    %-44s #", modeDesc)
	line("#   VERSION: %-44s #", cfg.App.Version)
	for _, ex := range cfg.Exchanges {
		auth := "public"
		if ex.Credentials.Configured() {
			auth = "authenticated"
		}
		line("#   %-12s %-42s #", ex.Name, fmt.Sprintf("%s, %d product(s)", auth, len(ex.Products)))
	}
	line("###########################################################")
	fmt.Fprintln(w)
}
