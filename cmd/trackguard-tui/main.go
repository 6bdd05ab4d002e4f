package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rmax-ai/trackguard/pkg/client"
)

func main() {
	apiURL := flag.String("api", envOrDefault("TRACKGUARD_API", "http://127.0.0.1:8095"), "trackguard-d base URL")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	flag.Parse()

	c := client.NewClient(*apiURL)
	c.SetRequesterID("tui")

	p := tea.NewProgram(initialModel(c, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
