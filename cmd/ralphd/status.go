package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ralphdev/ralphd/internal/config"
	"github.com/ralphdev/ralphd/internal/orchestrator"
	"github.com/ralphdev/ralphd/internal/state"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusStyle(s state.ProjectStatus) lipgloss.Style {
	switch s {
	case state.ProjectRunning:
		return runStyle
	case state.ProjectCompleted:
		return okStyle
	case state.ProjectPaused:
		return warnStyle
	case state.ProjectFailed:
		return failStyle
	default:
		return dimStyle
	}
}

func runStatus(args []string) error {
	addrFlag, configPath := parseCommonFlags(args)

	addr := addrFlag
	if addr == "" {
		if configPath == "" {
			if p, err := config.DefaultPath(); err == nil {
				configPath = p
			}
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Addr
	}
	base := "http://" + addr

	client := &http.Client{Timeout: 5 * time.Second}

	var daemon struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	if err := fetchJSON(client, base+"/api/status", &daemon); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("●")+" ralphd is not running at "+addr)
		return err
	}
	fmt.Println(okStyle.Render("●") + " ralphd " + dimStyle.Render("("+addr+", up "+daemon.Uptime+")"))

	var projects []state.Project
	if err := fetchJSON(client, base+"/api/projects", &projects); err != nil {
		return fmt.Errorf("fetching projects: %w", err)
	}
	var runs map[string]orchestrator.RunState
	if err := fetchJSON(client, base+"/api/orchestrator/status", &runs); err != nil {
		return fmt.Errorf("fetching run status: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println(dimStyle.Render("no projects"))
		return nil
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Projects"))
	for _, p := range projects {
		line := fmt.Sprintf("  %s %s", statusStyle(p.Status).Render("●"), titleStyle.Render(p.Name))
		line += dimStyle.Render(fmt.Sprintf("  [%s]", p.Status))
		if rs, ok := runs[p.ID]; ok {
			detail := string(rs.Status)
			if rs.CurrentTaskID != "" {
				detail += ", task " + rs.CurrentTaskID
			}
			line += runStyle.Render("  (" + detail + ")")
		}
		fmt.Println(line)
	}
	return nil
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
