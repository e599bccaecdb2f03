package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

// scoreStyle colours a 0-100 score with the same bands as the /health
// endpoint.
func scoreStyle(score float64) lipgloss.Style {
	color := accentColor
	switch {
	case score < 50:
		color = dangerColor
	case score < 80:
		color = warningColor
	}
	return lipgloss.NewStyle().Foreground(color).Bold(true)
}

func progressBar(percent float64, width int) string {
	percent = max(0, min(percent, 100))
	filled := int(float64(width) * percent / 100)

	color := accentColor
	switch {
	case percent >= 90:
		color = dangerColor
	case percent >= 70:
		color = warningColor
	}
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	bar += mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %.1f%%", bar, percent)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func renderStats(stats *types.NetworkStats) string {
	if stats == nil {
		return createPanel("NETWORK HEALTH", mutedStyle.Render("No health data yet, the coordinator has not completed a tick"))
	}

	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Health Score", fmt.Sprintf("%.1f", stats.HealthScore), scoreStyle(stats.HealthScore)},
		{"Providers", fmt.Sprintf("%d active / %d total", stats.ActiveProviders, stats.TotalProviders), valueStyle},
		{"Online / Verified", fmt.Sprintf("%d / %d", stats.OnlineProviders, stats.VerifiedProviders), valueStyle},
		{"Total Capacity", utils.FormatDataSize(stats.TotalCapacity), valueStyle},
		{"Used", utils.FormatDataSize(stats.UsedCapacity), valueStyle},
		{"Transfer Success", fmt.Sprintf("%.1f%% of %d", stats.SuccessRate*100, stats.TransferSamples), valueStyle},
		{"Throughput", utils.FormatDataSize(int64(stats.AvgThroughput)) + "/s", valueStyle},
		{"Avg Latency", stats.AvgLatency.String(), valueStyle},
		{"Est. 1MiB Retrieval", stats.EstimatedRetrieval.String(), valueStyle},
		{"Computed", stats.ComputedAt.Local().Format(time.RFC3339), mutedStyle},
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label+":") + " " + r.style.Render(r.value) + "\n")
	}
	b.WriteString("\n" + labelStyle.Render("Utilization:") + " " + progressBar(stats.Utilization*100, 30))

	return createPanel("NETWORK HEALTH", b.String())
}

func renderProviders(providers []types.StorageProvider) string {
	t := newTable("ID", "OWNER", "STATE", "CAPACITY", "USAGE", "PRICE", "REP", "UPLOADS")
	for _, p := range providers {
		state := lipgloss.NewStyle().Foreground(accentColor).Render("active")
		if !p.IsActive {
			state = lipgloss.NewStyle().Foreground(dangerColor).Render("inactive")
		} else if !p.Online {
			state = lipgloss.NewStyle().Foreground(warningColor).Render("offline")
		}
		if p.Verified {
			state += " ✓"
		}

		usage := 0.0
		if p.TotalCapacity > 0 {
			usage = float64(p.UsedCapacity) * 100 / float64(p.TotalCapacity)
		}

		t.Row(
			shortID(string(p.ID)),
			string(p.Owner),
			state,
			utils.FormatDataSize(p.TotalCapacity),
			progressBar(usage, 10),
			p.PricePerByteSecond.String(),
			fmt.Sprintf("%d", p.Reputation),
			fmt.Sprintf("%d", p.UploadCount),
		)
	}
	return createPanel("STORAGE PROVIDERS", t.Render())
}

func renderDeals(deals []types.Deal) string {
	t := newTable("ID", "PROVIDER", "RENTER", "SIZE", "TOTAL", "FEE", "STATUS", "ENDS", "PROOF")
	for _, d := range deals {
		status := d.Status.String()
		switch d.Status {
		case types.DealActive:
			status = lipgloss.NewStyle().Foreground(accentColor).Render(status)
		case types.DealCancelled:
			status = lipgloss.NewStyle().Foreground(dangerColor).Render(status)
		}
		proof := "-"
		if d.ProofHash != "" {
			proof = shortID(d.ProofHash)
		}
		t.Row(
			shortID(string(d.ID)),
			shortID(string(d.ProviderID)),
			string(d.RenterID),
			utils.FormatDataSize(d.FileSize),
			d.TotalPrice.String(),
			d.Fee.String(),
			status,
			d.EndTime.Local().Format(time.RFC3339),
			proof,
		)
	}
	return createPanel("DEALS", t.Render())
}

func renderFiles(files []types.File) string {
	t := newTable("ID", "NAME", "SIZE", "CHUNKS", "UPLOADER", "CREATED")
	for _, f := range files {
		t.Row(
			shortID(string(f.ID)),
			f.Name,
			utils.FormatDataSize(f.TotalSize),
			fmt.Sprintf("%d", len(f.ChunkIDs)),
			string(f.UploaderID),
			f.CreatedAt.Local().Format(time.RFC3339),
		)
	}
	return createPanel("FILES", t.Render())
}

func renderChunks(chunks []types.Chunk) string {
	t := newTable("#", "SIZE", "HASH", "PROVIDERS")
	for _, c := range chunks {
		ids := make([]string, len(c.AssignedProviderIDs))
		for i, id := range c.AssignedProviderIDs {
			ids[i] = shortID(string(id))
		}
		t.Row(
			fmt.Sprintf("%d", c.Index),
			utils.FormatDataSize(c.SizeBytes),
			c.ContentHash,
			strings.Join(ids, ", "),
		)
	}
	return createPanel("CHUNKS", t.Render())
}

func statusCmd() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show network health and providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				if err := showStatus(); err != nil {
					return err
				}
				if watch <= 0 {
					return nil
				}
				time.Sleep(watch)
				fmt.Print("\033[H\033[2J")
			}
		},
	}

	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "refresh at this interval")
	return cmd
}

func showStatus() error {
	ctx, client, done, err := connect()
	if err != nil {
		return err
	}
	defer done()

	stats, err := client.Stats(ctx)
	if err != nil {
		return err
	}
	providers, err := client.ListProviders(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(struct {
			Stats     *types.NetworkStats     `json:"stats"`
			Providers []types.StorageProvider `json:"providers"`
		}{stats, providers})
	}

	fmt.Println(renderStats(stats))
	if len(providers) > 0 {
		fmt.Println(renderProviders(providers))
	}
	return nil
}

func eventsCmd() *cobra.Command {
	var (
		after uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the coordinator's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			log, err := client.Events(ctx, after, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(log)
			}
			if len(log) == 0 {
				fmt.Println(mutedStyle.Render("No events"))
				return nil
			}

			t := newTable("SEQ", "TIME", "TYPE", "SUBJECT", "ACCOUNT")
			for _, ev := range log {
				t.Row(
					fmt.Sprintf("%d", ev.Seq),
					ev.At.Local().Format(time.RFC3339),
					string(ev.Type),
					eventSubject(ev),
					eventAccount(ev),
				)
			}
			fmt.Println(createPanel("EVENTS", t.Render()))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&after, "after", 0, "only events with a higher sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 for all)")
	return cmd
}

func eventSubject(ev events.Event) string {
	switch {
	case ev.DealID != "":
		return "deal " + shortID(string(ev.DealID))
	case ev.FileID != "":
		return "file " + shortID(string(ev.FileID))
	case ev.ProviderID != "":
		return "provider " + shortID(string(ev.ProviderID))
	}
	return "-"
}

func eventAccount(ev events.Event) string {
	switch {
	case ev.Renter != "":
		return string(ev.Renter)
	case ev.Uploader != "":
		return string(ev.Uploader)
	}
	return "-"
}
