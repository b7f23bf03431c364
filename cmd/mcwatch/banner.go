package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/mcwatch/internal/config"
	"github.com/tinytelemetry/mcwatch/internal/model"
)

func printStartupBanner(cfg config.Config) {
	fmt.Println(renderBanner(cfg))
}

func renderBanner(cfg config.Config) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╔═╗╦ ╦╔═╗╔╦╗╔═╗╦ ╦
    ║║║║  ║║║╠═╣ ║ ║  ╠═╣
    ╩ ╩╚═╝╚╩╝╩ ╩ ╩ ╚═╝╩ ╩`)

	ver := dim.Render("v" + version)
	separator := dim.Render("    ─────────────────────────────────")

	var lines []string
	lines = append(lines, "", logo, "    "+ver, "", separator, "")

	lines = append(lines, bold.Render("    Monitor"), "")
	lines = append(lines, fmt.Sprintf("    %s  Log File       %s", check, cyan.Render(shortenPath(cfg.LogPath))))
	lines = append(lines, fmt.Sprintf("    %s  Poll Every     %s", check, dim.Render(cfg.Frequency.String())))
	if cfg.StartupDelay > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Startup Delay  %s", check, dim.Render(cfg.StartupDelay.String())))
	}
	lines = append(lines, fmt.Sprintf("    %s  Rotation       %s", check, dim.Render(cfg.Rotation.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Subscribers"), "")
	for _, n := range cfg.Notifications {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, n.Name, dim.Render(describeBinding(n))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Delivery"), "")
	switch cfg.Delivery.Type {
	case config.DeliveryWebhook:
		lines = append(lines, fmt.Sprintf("    %s  Webhook        %s", check, dim.Render(redactURL(cfg.Delivery.WebhookURL))))
	default:
		lines = append(lines, fmt.Sprintf("    %s  Stdout         %s", check, dim.Render("log lines")))
	}
	if cfg.API.Enabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.API.Addr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    History"), "")
	switch {
	case !cfg.History.Enabled:
		lines = append(lines, fmt.Sprintf("    %s  Storage        %s", dot, dim.Render("disabled")))
	case cfg.History.DBPath == "":
		lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render("in-memory")))
	default:
		lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.History.DBPath))))
	}
	if cfg.History.Enabled && cfg.History.Journal {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", check, dim.Render(shortenPath(cfg.History.JournalPath))))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("environment only")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	return strings.Join(lines, "\n")
}

func describeBinding(n model.Notification) string {
	ls := make([]string, 0, len(n.IncludeLevel))
	for _, l := range n.IncludeLevel.Sorted() {
		ls = append(ls, l.String())
	}
	cs := make([]string, 0, len(n.IncludeClass))
	for _, c := range n.IncludeClass.Sorted() {
		cs = append(cs, c.String())
	}
	return "levels=" + joinOrDash(ls) + " classes=" + joinOrDash(cs)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

// redactURL keeps the scheme and host; webhook paths carry the token.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "(invalid)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/…"
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
