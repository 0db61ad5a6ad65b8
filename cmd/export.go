package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bfineran/yolact/checkpoint"
	"github.com/bfineran/yolact/sparse"
	"github.com/bfineran/yolact/yolact"
)

// CLI flags for the export command
var (
	exportCheckpoint string // Trained checkpoint to export
	exportConfig     string // Registered model config name
	exportRecipe     string // Sparsification recipe path or zoo: stub
	exportNoQAT      bool   // Keep quantized variables as plain float weights
	exportBatchSize  int    // Batch dimension baked into the graph input
	exportImageShape []int  // Input image shape (channels, size, size)
	exportSaveDir    string // Directory exported models are written to
	exportName       string // Output name, defaults to the checkpoint basename
)

// ExportArgs are the validated parameters of one export run.
type ExportArgs struct {
	Checkpoint string
	Config     string
	Recipe     string
	NoQAT      bool
	BatchSize  int
	ImageShape []int
	SaveDir    string
	// SavePath is the collision-free output path derived from SaveDir and
	// the requested name.
	SavePath string
}

// NewExportArgs validates the raw flag values: the checkpoint must exist,
// the save directory is created, and the output name falls back to the
// checkpoint basename, counter-suffixed so an export never overwrites an
// earlier one.
func NewExportArgs(checkpointPath, config, recipe string, noQAT bool,
	batchSize int, imageShape []int, saveDir, name string) (*ExportArgs, error) {
	if _, err := os.Stat(checkpointPath); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s does not exist", checkpointPath)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("batch size %d, must be at least 1", batchSize)
	}
	if len(imageShape) != 3 || imageShape[0] != 3 {
		return nil, errors.Errorf("image shape %v, want (3, S, S)", imageShape)
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating save dir %s", saveDir)
	}
	if name == "" {
		name = filepath.Base(checkpointPath)
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return &ExportArgs{
		Checkpoint: checkpointPath,
		Config:     config,
		Recipe:     recipe,
		NoQAT:      noQAT,
		BatchSize:  batchSize,
		ImageShape: imageShape,
		SaveDir:    saveDir,
		SavePath:   safeSavePath(saveDir, name),
	}, nil
}

// safeSavePath returns dir/name.onnx, or the first of name-1.onnx,
// name-2.onnx, ... that does not exist yet.
func safeSavePath(dir, name string) string {
	path := filepath.Join(dir, name+".onnx")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.onnx", name, n))
	}
}

// runExport resolves the registered config and drives the export.
func runExport(args *ExportArgs) error {
	cfg, err := yolact.Lookup(args.Config)
	if err != nil {
		return err
	}
	return exportModel(cfg, args)
}

// exportModel rebuilds the architecture, loads the trained weights,
// re-applies the training recipe's end state and serializes the inference
// graph. QDQ pairs are emitted for quantized variables unless NoQAT is set.
func exportModel(cfg *yolact.Config, args *ExportArgs) error {
	model := yolact.New(cfg)

	var manager *sparse.Manager
	if args.Recipe != "" {
		var err error
		if manager, err = sparse.FromFile(args.Recipe); err != nil {
			return err
		}
	}

	logrus.Debugf("Loading state dict from checkpoint %s", args.Checkpoint)
	ckpt, err := checkpoint.Load(args.Checkpoint)
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(ckpt); err != nil {
		return err
	}

	if manager != nil {
		if err := manager.Apply(model); err != nil {
			return err
		}
		logrus.Infof("Applied recipe %s: %.2f%% weight sparsity", args.Recipe, 100*model.Sparsity())
	} else if ckpt.Meta.Recipe != "" {
		logrus.Warnf("Checkpoint %s carries a training recipe; pass --recipe to restore its sparsity structure",
			args.Checkpoint)
	}

	onnxModel, err := model.Graph(args.BatchSize, args.ImageShape[1], args.ImageShape[2], !args.NoQAT)
	if err != nil {
		return err
	}

	bar := progressbar.Default(int64(len(onnxModel.Graph.Initializers)), "exporting")
	if err := onnxModel.WriteFile(args.SavePath, func(string) { _ = bar.Add(1) }); err != nil {
		return err
	}
	_ = bar.Finish()

	logrus.Infof("Model checkpoint exported to %s", args.SavePath)
	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a trained checkpoint to ONNX",
	Long: "Export a trained Yolact checkpoint to ONNX. A sparsification recipe used " +
		"during training is re-applied before serialization so pruned weights stay " +
		"pruned and quantized layers export in QDQ form.",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		exportArgs, err := NewExportArgs(exportCheckpoint, exportConfig, exportRecipe,
			exportNoQAT, exportBatchSize, exportImageShape, exportSaveDir, exportName)
		if err != nil {
			logrus.Fatalf("Invalid export arguments: %v", err)
		}
		if err := runExport(exportArgs); err != nil {
			logrus.Fatalf("Export failed: %v", err)
		}
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportCheckpoint, "checkpoint", "", "The yolact checkpoint to export")
	exportCmd.Flags().StringVarP(&exportConfig, "config", "c", "yolact_base_config",
		"The config used to train the yolact model, e.g. yolact_darknet53_config, yolact_resnet50_config")
	exportCmd.Flags().StringVarP(&exportRecipe, "recipe", "r", "",
		"Path or zoo stub of the recipe used for training, omit if no recipe used")
	exportCmd.Flags().BoolVarP(&exportNoQAT, "no-qat", "N", false,
		"Prevent conversion of a QAT (quantization aware training) graph to a quantized graph")
	exportCmd.Flags().IntVarP(&exportBatchSize, "batch-size", "b", 1, "The batch size to export the graph with")
	exportCmd.Flags().IntSliceVarP(&exportImageShape, "image-shape", "S", []int{3, 550, 550},
		"The image shape in (C, S, S) format to export the graph with")
	exportCmd.Flags().StringVarP(&exportSaveDir, "save-dir", "s", "./exported_models",
		"The directory to save exported models to")
	exportCmd.Flags().StringVarP(&exportName, "name", "n", "", "The name to use for saving the exported ONNX model")
	_ = exportCmd.MarkFlagRequired("checkpoint")

	rootCmd.AddCommand(exportCmd)
}
