// cmd/devicetypes.go
package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/citadel-fabric/internal/points"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
)

var deviceTypesFile string

var deviceTypesCmd = &cobra.Command{
	Use:   "device-types",
	Short: "Manage the accelerator catalog used for TFLOPS and points multipliers",
}

var deviceTypesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert or update catalog entries from a YAML file or the built-in table",
	Example: `  # Seed the built-in catalog
  citadel-fabric device-types seed

  # Seed from a file
  citadel-fabric device-types seed --file device_types.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg, cmd, args)

		path := deviceTypesFile
		if path == "" {
			path = cfg.Points.DeviceTypesFile
		}
		types, err := points.LoadDeviceTypesFile(path)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertDeviceTypes(ctx, types); err != nil {
			return err
		}
		source := path
		if source == "" {
			source = "built-in catalog"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d device types from %s\n", len(types), source)
		return nil
	},
}

var deviceTypesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the catalog stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg, cmd, args)

		ctx, stop := signalContext()
		defer stop()

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		types, err := st.LoadDeviceTypes(ctx)
		if err != nil {
			return err
		}
		if len(types) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Catalog is empty. Run 'citadel-fabric device-types seed'.")
			return nil
		}
		printDeviceTypes(cmd, types)
		return nil
	},
}

func printDeviceTypes(cmd *cobra.Command, types []store.DeviceType) {
	sort.Slice(types, func(i, j int) bool { return types[i].DeviceID < types[j].DeviceID })
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tVENDOR\tNAME\tTFLOPS\tMULTIPLIER")
	fmt.Fprintln(w, "---------\t------\t----\t------\t----------")
	for _, dt := range types {
		fmt.Fprintf(w, "%#06x\t%#06x\t%s\t%.1f\t%.2f\n", dt.DeviceID, dt.VendorID, dt.Name, dt.TFLOPS, dt.PointsMultiplier)
	}
	w.Flush()
}

func init() {
	deviceTypesSeedCmd.Flags().StringVar(&deviceTypesFile, "file", "", "YAML catalog to seed (default: points.device_types_file or the built-in table)")
	deviceTypesCmd.AddCommand(deviceTypesSeedCmd, deviceTypesListCmd)
	rootCmd.AddCommand(deviceTypesCmd)
}
