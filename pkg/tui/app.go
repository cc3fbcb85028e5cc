// Package tui provides the interactive terminal UI for warc-proxy: a live
// list of intercepted flows with their archive state, the WARC blocks
// written for each, and the host affinity table.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/warc-proxy/pkg/affinity"
	"github.com/fidiego/warc-proxy/pkg/capture"
	"github.com/fidiego/warc-proxy/pkg/filter"
	"github.com/fidiego/warc-proxy/pkg/httpwire"
	"github.com/fidiego/warc-proxy/pkg/proxy"
)

type viewMode int

const (
	viewList viewMode = iota
	viewDetail
	viewHosts
)

const (
	archiveArchived = "archived"
	archiveSkipped  = "skipped"
	archiveFailed   = "failed"
	archivePending  = "-"
)

// StatsSource reports sink activity. *capture.Sink implements it.
type StatsSource interface {
	Stats() capture.Stats
}

// Options configures the App. Only Engine is required.
type Options struct {
	Engine  *proxy.Engine
	Archive StatsSource
	Hosts   *affinity.Table
	WebPort int
}

type flowEventMsg proxy.FlowEvent

type tickMsg time.Time

// App is the root Bubbletea model.
type App struct {
	opts    Options
	store   *proxy.FlowStore
	eventCh chan proxy.FlowEvent

	allFlows     []*proxy.Flow
	filtered     []*proxy.Flow
	filterParsed filter.Filter

	mode     viewMode
	rawWARC  bool // detail shows archived blocks instead of parsed fields
	stats    capture.Stats
	hasStats bool

	table       table.Model
	detail      viewport.Model
	filterInput textinput.Model
	filterMode  bool

	width  int
	height int

	notice    string
	noticeExp time.Time
}

var columns = []table.Column{
	{Title: "#", Width: 5},
	{Title: "Method", Width: 8},
	{Title: "Status", Width: 7},
	{Title: "Host", Width: 22},
	{Title: "Path", Width: 40},
	{Title: "Archive", Width: 9},
	{Title: "Time", Width: 7},
	{Title: "Size", Width: 7},
}

const pathColumn = 4

// New creates an App subscribed to the engine's flow store.
func New(opts Options) *App {
	t := table.New(
		table.WithColumns(append([]table.Column(nil), columns...)),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		Selected: tableSelectedStyle,
		Cell:     lipgloss.NewStyle(),
	})

	fi := textinput.New()
	fi.Placeholder = "filter expression (e.g. ~d example.com & ~a failed)"
	fi.CharLimit = 256

	a := &App{
		opts:         opts,
		store:        opts.Engine.Store(),
		eventCh:      opts.Engine.Store().Subscribe(),
		filterParsed: filter.MatchAll,
		table:        t,
		detail:       viewport.New(80, 30),
		filterInput:  fi,
	}
	a.refreshStats()
	return a
}

// Init satisfies tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(waitForFlowEvent(a.eventCh), tick())
}

func waitForFlowEvent(ch chan proxy.FlowEvent) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return flowEventMsg(evt)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update satisfies tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.resize()

	case flowEventMsg:
		a.applyEvent(proxy.FlowEvent(msg))
		cmds = append(cmds, waitForFlowEvent(a.eventCh))

	case tickMsg:
		a.refreshStats()
		if a.mode == viewHosts {
			a.detail.SetContent(renderHosts(a.hostRows()))
		}
		cmds = append(cmds, tick())

	case tea.KeyMsg:
		if a.filterMode {
			return a.updateFilterInput(msg, cmds)
		}
		return a.updateKey(msg)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "enter":
		if a.mode == viewList && len(a.filtered) > 0 {
			a.mode = viewDetail
			a.renderDetail()
		}
	case "esc", "backspace":
		a.mode = viewList
	case "w":
		a.rawWARC = !a.rawWARC
		if a.mode == viewDetail {
			a.renderDetail()
		}
	case "h":
		if a.mode == viewHosts {
			a.mode = viewList
		} else {
			a.mode = viewHosts
			a.detail.SetContent(renderHosts(a.hostRows()))
			a.detail.GotoTop()
		}
	case "f":
		a.filterMode = true
		a.filterInput.Focus()
		return a, textinput.Blink
	case "r":
		a.replaySelected()
	case "d":
		a.store.Clear()
		a.allFlows, a.filtered = nil, nil
		a.rebuildTable()
		a.notify("cleared flow list (the archive is untouched)")
	default:
		if a.mode == viewList {
			a.table, _ = a.table.Update(msg)
		} else {
			a.detail, _ = a.detail.Update(msg)
		}
	}
	return a, nil
}

func (a *App) updateFilterInput(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		expr := a.filterInput.Value()
		f, err := filter.Parse(expr)
		if err != nil {
			a.notify(fmt.Sprintf("invalid filter: %v", err))
		} else {
			a.filterParsed = f
			a.applyFilter()
			a.notify("filter: " + expr)
		}
		a.filterMode = false
		a.filterInput.Blur()
	case "esc":
		a.filterMode = false
		a.filterInput.Blur()
	default:
		var cmd tea.Cmd
		a.filterInput, cmd = a.filterInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	return a, tea.Batch(cmds...)
}

// View satisfies tea.Model.
func (a *App) View() string {
	if a.width == 0 {
		return "Loading…"
	}

	var b strings.Builder
	b.WriteString(styleStatusBar.Width(a.width).Render(a.titleLine()))
	b.WriteString("\n")

	contentHeight := a.height - 4
	if a.mode == viewList {
		a.table.SetHeight(contentHeight)
		b.WriteString(a.table.View())
	} else {
		a.detail.Height = contentHeight
		b.WriteString(a.detail.View())
	}

	if a.filterMode {
		b.WriteString("\n")
		b.WriteString(styleDivider.Render(strings.Repeat("─", a.width)))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render(" Filter: ") + a.filterInput.View())
	}

	b.WriteString("\n")
	help := " [f]ilter [r]eplay [d]clear [h]osts [w]arc view [q]uit  ↑↓ navigate  ⏎ detail"
	if a.mode != viewList {
		help = " [esc] back  [w]arc/fields  [h]osts  ↑↓/PgUp/PgDn scroll"
	}
	if a.notice != "" && time.Now().Before(a.noticeExp) {
		help = " " + a.notice
	}
	b.WriteString(styleHelp.Width(a.width).Render(help))
	return b.String()
}

func (a *App) titleLine() string {
	line := fmt.Sprintf(" warc-proxy  %d flows", a.store.Count())
	if a.hasStats {
		line += "  " + statsLine(a.stats)
	}
	if a.opts.WebPort > 0 {
		line += fmt.Sprintf("  web: http://localhost:%d", a.opts.WebPort)
	}
	return line
}

// statsLine summarises the sink for the title bar.
func statsLine(s capture.Stats) string {
	line := fmt.Sprintf("%s  %d records  %s", s.Path, s.RecordsWritten, formatSize(int(s.BytesWritten)))
	if s.WriteFailures > 0 || s.Rejected > 0 {
		line += fmt.Sprintf("  %d failed", s.WriteFailures+s.Rejected)
	}
	return line + fmt.Sprintf("  queue %d/%d", s.Queued, s.QueueCapacity)
}

func (a *App) refreshStats() {
	if a.opts.Archive == nil {
		return
	}
	a.stats = a.opts.Archive.Stats()
	a.hasStats = true
}

func (a *App) applyEvent(evt proxy.FlowEvent) {
	if evt.Type == proxy.FlowEventNew {
		a.allFlows = append(a.allFlows, evt.Flow)
		if n := a.store.Count(); n > 0 && len(a.allFlows) > n {
			a.allFlows = a.allFlows[len(a.allFlows)-n:]
		}
		a.applyFilter()
		return
	}
	// Events carry snapshots; the newer one replaces the row for its flow and
	// the filter is re-evaluated since archive state may have changed.
	for i, f := range a.allFlows {
		if f.ID == evt.Flow.ID {
			a.allFlows[i] = evt.Flow
			break
		}
	}
	a.applyFilter()
	if a.mode == viewDetail {
		a.renderDetail()
	}
}

func (a *App) applyFilter() {
	a.filtered = a.filtered[:0]
	for _, f := range a.allFlows {
		if a.filterParsed(f) {
			a.filtered = append(a.filtered, f)
		}
	}
	a.rebuildTable()
}

func (a *App) rebuildTable() {
	rows := make([]table.Row, 0, len(a.filtered))
	for i, f := range a.filtered {
		rows = append(rows, flowRow(i+1, f))
	}
	a.table.SetRows(rows)
}

// flowRow renders one table row. Cells are plain text; the table applies
// its own styles.
func flowRow(n int, f *proxy.Flow) table.Row {
	method, host, path := "", "", ""
	if f.Request != nil {
		method, host, path = f.Request.Method, f.Request.Host, f.Request.Path
		if f.Request.Port != 0 && f.Request.Port != 80 && f.Request.Port != 443 {
			host += ":" + strconv.Itoa(f.Request.Port)
		}
	}
	status, size := "-", "-"
	if f.Response != nil {
		status = strconv.Itoa(f.Response.StatusCode)
		size = formatSize(len(f.Response.Body))
	} else if f.State == proxy.FlowStateError {
		status = "ERR"
	}
	return table.Row{strconv.Itoa(n), method, status, host, path, archiveLabel(f), formatDur(f.Duration()), size}
}

func archiveLabel(f *proxy.Flow) string {
	switch {
	case f.Archive.Skipped:
		return archiveSkipped
	case f.Archive.Error != "":
		return archiveFailed
	case f.Archive.RequestRecordID != "":
		return archiveArchived
	default:
		return archivePending
	}
}

func (a *App) selectedFlow() *proxy.Flow {
	cursor := a.table.Cursor()
	if cursor < 0 || cursor >= len(a.filtered) {
		return nil
	}
	return a.filtered[cursor]
}

func (a *App) renderDetail() {
	f := a.selectedFlow()
	if f == nil {
		a.detail.SetContent("(no flow selected)")
		return
	}
	if a.rawWARC {
		a.detail.SetContent(renderWARC(f))
		return
	}
	a.detail.SetContent(renderFlowDetail(f, a.width))
}

func (a *App) replaySelected() {
	f := a.selectedFlow()
	if f == nil {
		a.notify("no flow selected")
		return
	}
	go func() { _, _ = a.opts.Engine.Replay(f.ID) }()
	a.notify(fmt.Sprintf("replaying %s %s", f.Request.Method, f.Request.Path))
}

func (a *App) notify(msg string) {
	a.notice = msg
	a.noticeExp = time.Now().Add(3 * time.Second)
}

func (a *App) resize() {
	cols := a.table.Columns()
	fixed := 0
	for i, c := range cols {
		if i != pathColumn {
			fixed += c.Width + 2
		}
	}
	if extra := a.width - fixed - 2; extra > 20 {
		cols[pathColumn].Width = extra
	}
	a.table.SetColumns(cols)
	a.table.SetHeight(a.height - 4)
	a.detail.Width = a.width
	a.detail.Height = a.height - 4
	a.filterInput.Width = a.width - 12
}

func (a *App) hostRows() []affinity.HostView {
	if a.opts.Hosts == nil {
		return nil
	}
	return a.opts.Hosts.Sorted()
}

// Run starts the Bubbletea program, blocking until the user quits or ctx
// is cancelled.
func Run(ctx context.Context, opts Options) error {
	app := New(opts)
	p := tea.NewProgram(app, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	opts.Engine.Store().Unsubscribe(app.eventCh)
	return err
}

// --- rendering ---

func renderFlowDetail(f *proxy.Flow, width int) string {
	var b strings.Builder
	half := (width - 3) / 2

	status := "-"
	if f.Response != nil {
		status = lipgloss.NewStyle().Foreground(statusColor(f.Response.StatusCode)).Bold(true).
			Render(strconv.Itoa(f.Response.StatusCode))
	} else if f.State == proxy.FlowStateError {
		status = styleError.Render("ERR")
	}
	label := archiveLabel(f)
	b.WriteString(fmt.Sprintf("%s %s  →  %s  [%s]  %s  %s",
		styleKeyword.Render(f.Request.Method),
		f.Request.Path,
		f.Upstream,
		formatDur(f.Duration()),
		status,
		lipgloss.NewStyle().Foreground(archiveColor(label)).Render("archive: "+label),
	))
	b.WriteString("\n")
	b.WriteString(styleDivider.Render(strings.Repeat("─", width)))
	b.WriteString("\n")

	if len(f.Tags) > 0 {
		for _, t := range f.Tags {
			b.WriteString(styleTag.Render(t) + " ")
		}
		b.WriteString("\n\n")
	}

	left := strings.Split(renderMessage("Request", requestHead(f), f.Request.Headers, f.Request.Body, f.Request.BodyTruncated, half), "\n")
	var right []string
	switch {
	case f.Response != nil:
		right = strings.Split(renderMessage("Response", responseHead(f), f.Response.Headers, f.Response.Body, f.Response.BodyTruncated, half), "\n")
	case f.Error != "":
		right = []string{styleSectionTitle.Width(half).Render("Response"), styleError.Render("Error: " + f.Error)}
	default:
		right = []string{styleSectionTitle.Width(half).Render("Response"), "(pending)"}
	}

	sep := styleDivider.Render("│")
	col := lipgloss.NewStyle().Width(half)
	for i := 0; i < len(left) || i < len(right); i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		b.WriteString(col.Render(l) + sep + col.Render(r) + "\n")
	}
	return b.String()
}

func requestHead(f *proxy.Flow) string {
	target, err := httpwire.RequestURL(f.Request)
	if err != nil {
		target = f.Request.Path
	}
	return styleKeyword.Render(f.Request.Method) + " " + target
}

func responseHead(f *proxy.Flow) string {
	line, _ := httpwire.StatusLine(f.Response.ProtoMajor, f.Response.ProtoMinor, f.Response.StatusCode, f.Response.Reason)
	return lipgloss.NewStyle().Foreground(statusColor(f.Response.StatusCode)).Bold(true).Render(line)
}

func renderMessage(title, head string, headers map[string][]string, body []byte, truncated bool, width int) string {
	var b strings.Builder
	b.WriteString(styleSectionTitle.Width(width).Render(title))
	b.WriteString("\n")
	b.WriteString(head)
	b.WriteString("\n")

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			b.WriteString(lipgloss.NewStyle().Foreground(colorGray).Render(k+": ") + truncateStr(v, width-len(k)-4))
			b.WriteString("\n")
		}
	}
	if len(body) > 0 {
		b.WriteString("\n")
		b.WriteString(previewBody(body))
		if truncated {
			b.WriteString(styleError.Render("\n… (capture truncated)"))
		}
	}
	return b.String()
}

// renderWARC shows the request and response blocks exactly as archived.
func renderWARC(f *proxy.Flow) string {
	var b strings.Builder
	ids := []string{f.Archive.RequestRecordID, f.Archive.ResponseRecordID}
	for i, title := range []string{"request record", "response record"} {
		var (
			target string
			block  []byte
			err    error
		)
		if i == 0 {
			target, block, err = httpwire.RequestBlock(f.Request)
		} else {
			if f.Response == nil {
				break
			}
			target, block, err = httpwire.ResponseBlock(f.Request, f.Response)
		}

		b.WriteString(styleSectionTitle.Render(title))
		b.WriteString("\n")
		id := ids[i]
		if id == "" {
			id = "(not written)"
		}
		b.WriteString("WARC-Record-ID: " + id + "\n")
		b.WriteString("WARC-Target-URI: " + target + "\n")
		if err != nil {
			b.WriteString(styleError.Render(err.Error()) + "\n")
		}
		b.WriteString("\n")
		b.WriteString(previewBody(block))
		b.WriteString("\n\n")
	}
	if f.Archive.Error != "" {
		b.WriteString(styleError.Render("archive error: "+f.Archive.Error) + "\n")
	}
	return b.String()
}

func renderHosts(rows []affinity.HostView) string {
	if len(rows) == 0 {
		return "(no hosts observed yet)"
	}
	var b strings.Builder
	b.WriteString(styleSectionTitle.Render(fmt.Sprintf("%-40s %8s %8s %6s  %-12s %s", "HOST", "REQ", "RESP", "LAST", "UPSTREAM", "LAST SEEN")))
	b.WriteString("\n")
	for _, r := range rows {
		last := "-"
		if r.LastStatus != 0 {
			last = strconv.Itoa(r.LastStatus)
		}
		b.WriteString(fmt.Sprintf("%-40s %8d %8d %6s  %-12s %s\n",
			truncateStr(r.HostKey.String(), 40), r.Requests, r.Responses, last, truncateStr(r.LastUpstream, 12),
			r.LastSeen.Format(time.TimeOnly)))
	}
	return b.String()
}

// previewBody returns body as text, cut at 4 KiB.
func previewBody(body []byte) string {
	const limit = 4 << 10
	if len(body) > limit {
		return string(body[:limit]) + "…"
	}
	return string(body)
}

func truncateStr(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatDur(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func formatSize(n int) string {
	switch {
	case n == 0:
		return "0"
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1024/1024)
	}
}
