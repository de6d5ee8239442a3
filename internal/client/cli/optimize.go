package cli

import (
	"fmt"
	"os"

	"github.com/dmitrijs2005/optipress/internal/client/api"
	"github.com/dmitrijs2005/optipress/internal/filex"
	"github.com/spf13/cobra"
)

func (a *App) optimizeCommand() *cobra.Command {
	var (
		format  string
		quality int
		out     string
		useGRPC bool
	)
	cmd := &cobra.Command{
		Use:   "optimize FILE",
		Short: "Optimize an image, spending one credit",
		Long: `Optimize FILE and write the result next to it as NAME.min.EXT, or to --out.

Files under the inline limit are sent in the request. Larger files are uploaded
to staging storage through a presigned URL first. The server deletes staged
inputs once the optimization finishes.`,
		Example: `  optipress optimize photo.png --format jpeg --quality 75
  optipress optimize huge.png --out dist/huge.png
  optipress optimize photo.png --grpc --api-key $KEY`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			data, err := os.ReadFile(src)
			if err != nil {
				return err
			}

			o, closeFn, err := a.newOptimizer(useGRPC)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := a.commandContext(cmd)
			defer cancel()

			res, err := o.Optimize(ctx, src, data, api.Options{Format: format, Quality: quality})
			if err != nil {
				return err
			}

			dst := filex.OutputPath(src, out, extFor(res.Format))
			if err := filex.WriteFile(dst, res.Data, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s -> %s: %d -> %d bytes (%s)\n",
				src, dst, res.SizeBefore, res.SizeAfter, saved(res.SizeBefore, res.SizeAfter))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: webp, avif, jpeg or png (server default if empty)")
	cmd.Flags().IntVarP(&quality, "quality", "q", 0, "Quality 1-100 (server default if 0)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path")
	cmd.Flags().BoolVar(&useGRPC, "grpc", false, "Use the plugin gRPC API (requires an API key)")
	return cmd
}

func extFor(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	default:
		return format
	}
}

func saved(before, after int) string {
	if before <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%% saved", float64(before-after)*100/float64(before))
}
