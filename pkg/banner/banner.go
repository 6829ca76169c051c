package banner

import (
	"fmt"

	"suchak/pkg/config"
)

const banner = `
███████╗██╗   ██╗ ██████╗██╗  ██╗ █████╗ ██╗  ██╗
██╔════╝██║   ██║██╔════╝██║  ██║██╔══██╗██║ ██╔╝
███████╗██║   ██║██║     ███████║███████║█████╔╝
╚════██║██║   ██║██║     ██╔══██║██╔══██║██╔═██╗
███████║╚██████╔╝╚██████╗██║  ██║██║  ██║██║  ██╗
╚══════╝ ╚═════╝  ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝
`

// PrintWithEff prints the startup banner with the effective configuration.
func PrintWithEff(eff config.Effective, version string) {
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", eff.Addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)
	if eff.Config != nil {
		if id := eff.Config.Engine.LocalID; id != "" {
			fmt.Printf("Identity: %s\n", id)
		}
		if eff.Config.Retention.Enabled {
			cron := eff.Config.Retention.Cron
			if cron == "" {
				cron = "0 2 * * *"
			}
			fmt.Printf("Retention: enabled (cron=%s)\n", cron)
		} else {
			fmt.Println("Retention: disabled")
		}
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /v1/conversations?filter=<all|unread|favorites|groups|contacts|drafts>")
	fmt.Println("POST /v1/conversations - create a conversation")
	fmt.Println("GET  /v1/conversations/{id}/messages?since=<seq>&limit=<n>")
	fmt.Println("POST /v1/conversations/{id}/messages - enqueue a send (202 + temp id)")
	fmt.Println("GET  /v1/messages/{id}/status - delivery status")
	fmt.Println("POST /v1/outbox/{tempID}/retry - retry a failed send")

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://localhost%s/v1/conversations'\n", exampleAddr(eff.Addr))
	fmt.Printf("curl -X POST 'http://localhost%s/v1/conversations/c1/messages' -d '{\"content\":{\"type\":\"text\",\"text\":\"hello\"}}'\n", exampleAddr(eff.Addr))

	fmt.Println("\n== Logs =======================================================")
}

func exampleAddr(addr string) string {
	if addr == "" {
		return ":8080"
	}
	if addr[0] == ':' {
		return addr
	}
	// strip host, keep port
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return ":8080"
}
