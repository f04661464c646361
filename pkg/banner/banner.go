package banner

import (
	"fmt"
	"strings"

	"chatstream/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗████████╗██████╗ ███████╗ █████╗ ███╗   ███╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚══██╔══╝██╔══██╗██╔════╝██╔══██╗████╗ ████║
██║     ███████║███████║   ██║   ███████╗   ██║   ██████╔╝█████╗  ███████║██╔████╔██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║   ██║   ██╔══██╗██╔══╝  ██╔══██║██║╚██╔╝██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║  ██║███████╗██║  ██║██║ ╚═╝ ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═╝     ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", cfg.Addr())
	fmt.Printf("DB Path:  %s\n", cfg.Server.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST  /v1/threads                   - Create a conversation thread")
	fmt.Println("GET   /v1/threads                   - List threads with summaries")
	fmt.Println("GET   /v1/threads/{id}/messages     - List messages in a thread")
	fmt.Println("POST  /v1/threads/{id}/stream       - Send a message, stream the reply (SSE)")
	fmt.Println("POST  /v1/threads/{id}/messages     - Send a message, synchronous reply")

	fmt.Println("\n== Production? ================================================")
	be := len(cfg.Security.APIKeys.Backend)
	fe := len(cfg.Security.APIKeys.Frontend)
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) != "" {
		fmt.Printf("- Model gateway: %s (%s)\n", cfg.Gateway.BaseURL, cfg.Gateway.Model)
	} else {
		fmt.Println("- Model gateway: UNCONFIGURED (replies will use fallback text)")
	}
	if cfg.Retention.Enabled {
		fmt.Printf("- Retention: enabled (cron=%s)\n", cfg.Retention.Cron)
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs: ======================================================")
}
