package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shaiso/jobswarm/internal/api"
	"github.com/shaiso/jobswarm/internal/domain"
)

// Output управляет форматированием вывода CLI.
// Данные пишутся в w, сообщения — в errW.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с явными writers.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит таблицу или jsonData в JSON режиме.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит строки через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение в errW.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// RunStatus печатает статус run и распределение tasks.
func (o *Output) RunStatus(s *api.RunStatusResponse) {
	if o.jsonMode {
		o.JSON(s)
		return
	}

	fmt.Fprintf(o.w, "workflow run %d (%s): %s\n", s.Run.ID, s.Workflow.Name, s.Run.Status)
	fmt.Fprintf(o.w, "workflow %d: %s, max concurrently running %d\n",
		s.Workflow.ID, s.Workflow.Status, s.Workflow.MaxConcurrentlyRunning)

	statuses := make([]string, 0, len(s.TaskCounts))
	for st := range s.TaskCounts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	rows := make([][]string, 0, len(statuses)+1)
	for _, st := range statuses {
		rows = append(rows, []string{st, strconv.Itoa(s.TaskCounts[domain.TaskStatus(st)])})
	}
	rows = append(rows, []string{"TOTAL", strconv.Itoa(s.Total)})
	o.Table([]string{"STATUS", "TASKS"}, rows)
}

// Tasks печатает список tasks.
func (o *Output) Tasks(tasks []domain.Task) {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{
			strconv.FormatInt(t.ID, 10),
			t.Name,
			string(t.Status),
			fmt.Sprintf("%d/%d", t.NumAttempts, t.MaxAttempts),
			t.ClusterName,
		}
	}
	o.Print([]string{"ID", "NAME", "STATUS", "ATTEMPTS", "CLUSTER"}, rows, tasks)
}
