package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/onnx"
	"github.com/bfineran/yolact/sparse"
	"github.com/bfineran/yolact/tensor"
)

// CLI flags for the inspect command
var (
	inspectVars  bool // List every variable with shape, size and sparsity
	inspectStats bool // Per-variable weight statistics
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Summarize a checkpoint or exported ONNX model",
	Long: "Summarize a checkpoint (.ylck) or exported ONNX model: metadata, variable " +
		"counts, sizes and weight sparsity. The file kind is sniffed from its content, " +
		"not its extension.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		path := args[0]
		kind, err := fileKind(path)
		if err != nil {
			logrus.Fatalf("Cannot inspect %s: %v", path, err)
		}
		if kind == kindCheckpoint {
			inspectCheckpoint(path)
			return
		}
		inspectONNX(path)
	},
}

const (
	kindCheckpoint = "checkpoint"
	kindONNX       = "onnx"
)

// fileKind sniffs the file's leading bytes: checkpoints open with the YLCK
// magic, everything else is handed to the ONNX reader.
func fileKind(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return "", err
	}
	if string(magic[:]) == checkpoint.Magic {
		return kindCheckpoint, nil
	}
	return kindONNX, nil
}

// namedTensor pairs a variable name with its weights, the unit of the
// variable and statistics tables.
type namedTensor struct {
	name string
	t    *tensor.Tensor
}

func inspectCheckpoint(path string) {
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		logrus.Fatalf("Loading checkpoint: %v", err)
	}

	var params int64
	vars := make([]namedTensor, 0, ckpt.NumTensors())
	for _, name := range ckpt.Names() {
		t, _ := ckpt.Tensor(name)
		vars = append(vars, namedTensor{name: name, t: t})
		params += int64(t.NumElements())
	}

	fmt.Println(titleStyle.Render("Checkpoint"))
	table := newPlainTable(false)
	table.Row("file", path)
	table.Row("size", humanize.Bytes(uint64(fileSize(path))))
	if ckpt.Meta.Config != "" {
		table.Row("config", ckpt.Meta.Config)
	}
	table.Row("epoch", fmt.Sprintf("%d", ckpt.Meta.Epoch))
	table.Row("global step", humanize.Comma(ckpt.Meta.GlobalStep))
	if ckpt.Meta.Recipe != "" {
		table.Row("recipe", recipeSummary(ckpt.Meta.Recipe))
	}
	table.Row("# variables", humanize.Comma(int64(ckpt.NumTensors())))
	table.Row("# parameters", humanize.Comma(params))
	table.Row("# bytes", humanize.Bytes(uint64(ckpt.TotalBytes())))
	table.Row("sparsity", fmt.Sprintf("%.2f%%", 100*overallSparsity(vars)))
	fmt.Println(table.Render())

	if inspectVars {
		renderVariables(vars)
	}
	if inspectStats {
		renderStats(vars)
	}
}

func inspectONNX(path string) {
	info, err := onnx.ReadFile(path)
	if err != nil {
		logrus.Fatalf("Loading ONNX model: %v", err)
	}

	var params int64
	var bytes uint64
	vars := make([]namedTensor, 0, len(info.Graph.Initializers))
	for _, init := range info.Graph.Initializers {
		// The reader has already validated payload lengths, so tensor
		// materialization cannot fail here.
		vars = append(vars, namedTensor{name: init.Name, t: must.M1(init.Tensor())})
		params += int64(init.NumElements())
		bytes += uint64(len(init.RawData))
	}

	fmt.Println(titleStyle.Render("ONNX model"))
	table := newPlainTable(false)
	table.Row("file", path)
	table.Row("size", humanize.Bytes(uint64(fileSize(path))))
	if producer := strings.TrimSpace(info.ProducerName + " " + info.ProducerVersion); producer != "" {
		table.Row("producer", producer)
	}
	table.Row("ir version", fmt.Sprintf("%d", info.IRVersion))
	table.Row("opset", fmt.Sprintf("%d", info.OpsetVersion))
	table.Row("graph", info.Graph.Name)
	table.Row("# nodes", humanize.Comma(int64(info.Graph.NumNodes)))
	table.Row("ops", opsSummary(info.Graph.OpCounts))
	table.Row("inputs", valuesSummary(info.Graph.Inputs))
	table.Row("outputs", valuesSummary(info.Graph.Outputs))
	table.Row("# initializers", humanize.Comma(int64(len(info.Graph.Initializers))))
	table.Row("# parameters", humanize.Comma(params))
	table.Row("# bytes", humanize.Bytes(bytes))
	table.Row("sparsity", fmt.Sprintf("%.2f%%", 100*overallSparsity(vars)))
	fmt.Println(table.Render())

	if inspectVars {
		renderVariables(vars)
	}
	if inspectStats {
		renderStats(vars)
	}
}

func renderVariables(vars []namedTensor) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable(true)
	table.Row("Name", "DType", "Shape", "Params", "Bytes", "Sparsity")
	for _, v := range vars {
		table.Row(v.name, v.t.DType().String(), dimsString(v.t.Dims()),
			humanize.Comma(int64(v.t.NumElements())),
			humanize.Bytes(uint64(v.t.Memory())),
			fmt.Sprintf("%.1f%%", 100*v.t.Sparsity()))
	}
	fmt.Println(table.Render())
}

// renderStats prints per-variable weight statistics for float variables.
func renderStats(vars []namedTensor) {
	fmt.Println(titleStyle.Render("Weight statistics"))
	table := newPlainTable(true)
	table.Row("Name", "Mean", "StdDev", "Min", "Max")
	for _, v := range vars {
		if !v.t.DType().IsFloat() {
			continue
		}
		xs := make([]float64, 0, v.t.NumElements())
		for _, f := range v.t.Float32s() {
			xs = append(xs, float64(f))
		}
		if len(xs) == 0 {
			continue
		}
		minV, maxV := xs[0], xs[0]
		for _, x := range xs[1:] {
			if x < minV {
				minV = x
			}
			if x > maxV {
				maxV = x
			}
		}
		table.Row(v.name,
			fmt.Sprintf("%.5f", stat.Mean(xs, nil)),
			fmt.Sprintf("%.5f", stat.StdDev(xs, nil)),
			fmt.Sprintf("%.5f", minV),
			fmt.Sprintf("%.5f", maxV))
	}
	fmt.Println(table.Render())
}

// recipeSummary condenses an embedded recipe to one table cell.
func recipeSummary(recipe string) string {
	m, err := sparse.FromYAML([]byte(recipe))
	if err != nil {
		return "present (unparseable)"
	}
	return fmt.Sprintf("%d modifiers, %d epochs", len(m.Recipe().Modifiers), m.MaxEpochs())
}

// overallSparsity weights each variable's zero fraction by its element count.
func overallSparsity(vars []namedTensor) float64 {
	var zeros, total float64
	for _, v := range vars {
		n := float64(v.t.NumElements())
		zeros += v.t.Sparsity() * n
		total += n
	}
	if total == 0 {
		return 0
	}
	return zeros / total
}

// opsSummary renders the node op histogram, most frequent first.
func opsSummary(counts map[string]int) string {
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if counts[ops[i]] != counts[ops[j]] {
			return counts[ops[i]] > counts[ops[j]]
		}
		return ops[i] < ops[j]
	})
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%s (%d)", op, counts[op])
	}
	return strings.Join(parts, ", ")
}

func valuesSummary(values []onnx.ValueInfo) string {
	parts := make([]string, len(values))
	for i, vi := range values {
		dims := make([]string, len(vi.Dims))
		for j, d := range vi.Dims {
			if d.Param != "" {
				dims[j] = d.Param
			} else {
				dims[j] = fmt.Sprintf("%d", d.Value)
			}
		}
		parts[i] = fmt.Sprintf("%s %s(%s)", vi.Name, vi.DType, strings.Join(dims, ", "))
	}
	return strings.Join(parts, "; ")
}

func dimsString(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectVars, "vars", false, "List every variable with dtype, shape, size and sparsity")
	inspectCmd.Flags().BoolVar(&inspectStats, "stats", false, "Per-variable weight statistics (mean, stddev, min, max)")

	rootCmd.AddCommand(inspectCmd)
}
