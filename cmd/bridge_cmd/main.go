package main

import (
	"encoding/json"
	"fmt"
	"os"

	logger "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/cmd"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/logconfig"
	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/reporter"
)

const (
	appName = "bridge"

	ENV_CONFIG_FILE_PATH = "BRIDGE_CONFIG"
)

var (
	configFileFlag = cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Configuration file, falls back to $" + ENV_CONFIG_FILE_PATH,
	}
	accountFlag = cli.StringFlag{
		Name:     "account",
		Aliases:  []string{"a"},
		Usage:    "Address of the bridge account",
		Required: true,
	}
	amountFlag = cli.StringFlag{
		Name:     "amount",
		Usage:    "Amount in whole tokens, e.g. 1.5",
		Required: true,
	}
	stateFlag = cli.StringFlag{
		Name:  "state",
		Usage: "Only list operations in this state",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "move tokens between the root and the child chain"
	app.Flags = []cli.Flag{&configFileFlag}
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the bridge server",
			Action: serve,
		},
		{
			Name:   "deposit",
			Usage:  "Move tokens from the root chain to the child chain",
			Flags:  []cli.Flag{&accountFlag, &amountFlag},
			Action: deposit,
		},
		{
			Name:   "withdraw",
			Usage:  "Move tokens from the child chain back to the root chain",
			Flags:  []cli.Flag{&accountFlag, &amountFlag},
			Action: withdraw,
		},
		{
			Name:      "status",
			Usage:     "Show one operation",
			ArgsUsage: "<operation id>",
			Action:    status,
		},
		{
			Name:      "resume",
			Usage:     "Resume a parked operation",
			ArgsUsage: "<operation id>",
			Action:    resume,
		},
		{
			Name:   "list",
			Usage:  "List the operations",
			Flags:  []cli.Flag{&stateFlag},
			Action: list,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

// initializeViper reads the file named by --config or $BRIDGE_CONFIG, if
// any. Environment variables always apply on top of it.
func initializeViper(c *cli.Context) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	filePath := c.String(configFileFlag.Name)
	if filePath == "" {
		filePath = v.GetString(ENV_CONFIG_FILE_PATH)
	}
	if filePath == "" {
		return v, nil
	}
	if !cmd.FileExists(filePath) {
		return nil, fmt.Errorf("bridge configuration file not found: %s", filePath)
	}
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}
	return v, nil
}

func serve(c *cli.Context) error {
	v, err := initializeViper(c)
	if err != nil {
		return err
	}
	cfg, err := cmd.LoadBridgeConfig(v)
	if err != nil {
		return err
	}
	logconfig.ConfigProductionLogger(cfg.LogLevel)

	return cmd.StartBridgeServerAndWait(cfg)
}

// newReader talks to the server's http reporter.
func newReader(c *cli.Context) (*reporter.HttpReader, error) {
	logconfig.ConfigInfoLogger()

	v, err := initializeViper(c)
	if err != nil {
		return nil, err
	}
	ip, port := cmd.ReporterAddr(v)
	return reporter.NewHttpReader(ip, port), nil
}

func deposit(c *cli.Context) error {
	hr, err := newReader(c)
	if err != nil {
		return err
	}
	id, err := hr.Deposit(c.String(accountFlag.Name), c.String(amountFlag.Name))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func withdraw(c *cli.Context) error {
	hr, err := newReader(c)
	if err != nil {
		return err
	}
	id, err := hr.Withdraw(c.String(accountFlag.Name), c.String(amountFlag.Name))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func status(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one operation id, got %d arguments", c.NArg())
	}
	hr, err := newReader(c)
	if err != nil {
		return err
	}
	st, err := hr.GetOperation(c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func resume(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one operation id, got %d arguments", c.NArg())
	}
	hr, err := newReader(c)
	if err != nil {
		return err
	}
	id, err := hr.Resume(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func list(c *cli.Context) error {
	hr, err := newReader(c)
	if err != nil {
		return err
	}
	ops, err := hr.ListOperations(c.String(stateFlag.Name))
	if err != nil {
		return err
	}
	return printJSON(ops)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
