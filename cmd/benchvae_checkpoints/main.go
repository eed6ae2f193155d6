package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/train"
	"k8s.io/klog/v2"

	// Register the model classes so any of their checkpoints can be loaded.
	_ "github.com/sugatoray/benchmark-VAE/ml/models/flows"
	_ "github.com/sugatoray/benchmark-VAE/ml/models/wae"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the saved model: its class, "+
		"artifact files and parameter sizes.")
	flagConfig = flag.Bool("config", false,
		fmt.Sprintf("Print the model configuration stored in %q.", models.ConfigFileName))
	flagVars = flag.Bool("vars", false, "Lists the tensors of the model state dict, with shapes and sizes.")
	flagTraining = flag.Bool("training", false,
		fmt.Sprintf("Display the training configuration stored in %q, if the directory is a trainer checkpoint.",
			train.TrainingConfigFileName))
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing saved model directory to read from. See 'benchvae_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'benchvae_checkpoints -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagConfig && !*flagVars && !*flagTraining {
		*flagSummary = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(modelPath string) {
	model := must.M1(models.LoadFromFolder(modelPath))

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("directory", modelPath)
		table.Row("model", model.Name())

		sd := model.StateDict()
		var totalSize int
		for _, name := range sd.Keys() {
			totalSize += sd[name].Size()
		}
		table.Row("# tensors", humanize.Comma(int64(len(sd))))
		table.Row("# parameters", humanize.Comma(int64(totalSize)))
		table.Row("# bytes", humanize.Bytes(uint64(totalSize*8)))

		var artifacts []string
		for _, name := range []string{
			models.ConfigFileName, models.WeightsFileName,
			models.EncoderFileName, models.DecoderFileName,
			train.TrainingConfigFileName, train.OptimizerFileName,
		} {
			if _, err := os.Stat(filepath.Join(modelPath, name)); err == nil {
				artifacts = append(artifacts, name)
			}
		}
		table.Row("artifacts", strings.Join(artifacts, ", "))
		fmt.Println(table.Render())
	}

	if *flagConfig {
		fmt.Println(titleStyle.Render("Model Configuration"))
		raw := must.M1(os.ReadFile(filepath.Join(modelPath, models.ConfigFileName)))
		fmt.Println(string(raw))
	}

	if *flagVars {
		fmt.Println(titleStyle.Render("State Dict"))
		table := newPlainTable(true)
		table.Row("Name", "Shape", "Size", "Bytes")
		sd := model.StateDict()
		for _, name := range sd.Keys() {
			tensor := sd[name]
			table.Row(name, fmt.Sprintf("%v", tensor.Dims()),
				humanize.Comma(int64(tensor.Size())),
				humanize.Bytes(uint64(tensor.Size()*8)))
		}
		fmt.Println(table.Render())
	}

	if *flagTraining {
		trainingConfig(modelPath)
	}
}

func trainingConfig(modelPath string) {
	path := filepath.Join(modelPath, train.TrainingConfigFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf("No training configuration found in %q: %v", modelPath, err)
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render("Training Configuration"))
	fmt.Println(string(raw))

	if _, err := os.Stat(filepath.Join(modelPath, train.OptimizerFileName)); err == nil {
		fmt.Printf("Optimizer state (%s) present: training can resume from this checkpoint.\n",
			train.OptimizerFileName)
	} else {
		fmt.Println("No optimizer state: this is a plain model save, not a resumable checkpoint.")
	}
}
