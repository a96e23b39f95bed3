package main

import (
	"fmt"

	"github.com/guacscanner/guacscanner/pkg/connection"
	"github.com/guacscanner/guacscanner/pkg/inventory"
	"github.com/guacscanner/guacscanner/pkg/util"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	defaultSleep       = "60s"
	defaultRetries     = 5
	defaultTimeout     = "30s"
	defaultGatewayUser = "guacuser"
	secretsDir         = "/run/secrets"
)

// secrets are read from the flag or from a file, /run/secrets/<name> by default.
var secrets = []string{
	"postgres-username",
	"postgres-password",
	"rdp-username",
	"rdp-password",
	"vnc-username",
	"vnc-password",
	"private-ssh-key",
}

func newCmd() *cobra.Command {
	var (
		flagQuiet       bool
		flagVerbose     int
		flagVerboseName = "verbose"
		configPath      string
		cfg             fileConfig
	)
	cmd := &cobra.Command{
		Use:   "guacscanner",
		Short: "keep remote-desktop gateway connections in sync with the instances of a VPC",
		Long: `Keep remote-desktop gateway connections in sync with the instances of a VPC.

Every running instance of the VPC that carries the eligibility tags gets a
gateway connection; connections of instances that are gone are removed.
Only connections whose name starts with the managed prefix are touched.

Every flag can also be set through an environment variable named after it,
e.g. GUACSCANNER_VPC_ID for --vpc-id, or in the YAML configuration file.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Set up logging
			if err := util.SetupLogging(flagQuiet, flagVerbose, cmd.Flag(flagVerboseName).Changed); err != nil {
				return &ConfigurationError{Err: err}
			}
			var err error
			root := cmd.Root()
			cfg, err = readConfig(configPath, cmd.Flag("config").Changed, root.Flags(), root.PersistentFlags())
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(resolver{flags: cmd.Flags(), file: cfg})
			if err != nil {
				return err
			}
			return scan(cmd.Context(), s)
		},
	}

	cmd.AddCommand(versionCmd())

	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "YAML file with default values for the flags, keyed by flag name")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Quiet execution")
	cmd.PersistentFlags().IntVarP(&flagVerbose, flagVerboseName, "v", 1, "Verbosity of logging: 0 = quiet, 1 = info, 2 = debug, 3 = trace. Default is info. Setting it explicitly will create structured logging lines.")

	addScanFlags(cmd.Flags())
	return cmd
}

func addScanFlags(flags *pflag.FlagSet) {
	flags.String("vpc-id", "", "VPC to scan, discovered from instance metadata when empty")
	flags.String("region", "", fmt.Sprintf("AWS region, discovered from instance metadata when the VPC is, %s otherwise", inventory.DefaultRegion))
	flags.StringArray("tag", nil, "Only consider instances carrying this tag, format is key or key=value. Can be provided multiple times.")
	flags.StringArray("ami-skip-regex", inventory.DefaultSkipImages, "Ignore instances whose image name matches this regular expression. Can be provided multiple times.")
	flags.String("sleep", defaultSleep, "Time between the start of two cycles")
	flags.Bool("oneshot", false, "Run a single cycle and exit")
	flags.Bool("dry-run", false, "Compute and log the changes without applying them")
	flags.String("prefix", connection.DefaultPrefix, "Name prefix of the connections owned by the scanner")
	flags.String("gateway-user", defaultGatewayUser, "Gateway user granted access to every managed connection")
	flags.Int("retries", defaultRetries, "Attempts per provider or store call before giving up on the cycle")
	flags.String("timeout", defaultTimeout, "Timeout of a single provider or store call")
	flags.String("metrics-address", "", "Serve Prometheus metrics on this address, e.g. :9090. Disabled when empty.")

	flags.String("postgres-host", "postgres", "Gateway database host")
	flags.Int("postgres-port", 5432, "Gateway database port")
	flags.String("postgres-db", "guacamole_db", "Gateway database name")
	flags.String("postgres-sslmode", "disable", "Gateway database sslmode")

	flags.String("aws-access-key-id", "", "AWS access key id, the default credential chain is used when empty")
	flags.String("aws-secret-access-key", "", "AWS secret access key")
	flags.String("aws-session-token", "", "AWS session token")

	for _, name := range secrets {
		flags.String(name, "", fmt.Sprintf("Value of %s, takes precedence over --%s-file", name, name))
		flags.String(name+"-file", secretsDir+"/"+name, fmt.Sprintf("File holding %s", name))
	}
}
