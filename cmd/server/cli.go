package main

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/urfave/cli/v2"

	"notification-gateway/internal/config"
	"notification-gateway/internal/httpapi"
	"notification-gateway/internal/queue"
)

const (
	configFilePath  = "etc/app.yaml"
	defaultTokenTTL = time.Hour

	flagConfig = "config"
	flagSub    = "sub"
	flagEmail  = "email"
	flagTTL    = "ttl"
)

// errTopologyNeedsAMQP topology 命令只适用于 amqp 驱动
var errTopologyNeedsAMQP = errors.New("topology command requires the amqp broker driver")

// newCLIApp 构建命令行入口
// serve: 启动网关; token: 签发测试令牌; topology: 声明 RabbitMQ 拓扑
func newCLIApp() *cli.App {
	return &cli.App{
		Name:  "notification-gateway",
		Usage: "email / push notification gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   configFilePath,
				Usage:   "path to the YAML config file",
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP gateway and the status consumer",
				Action: runServe,
			},
			{
				Name:  "token",
				Usage: "print an HS256 bearer token signed with the configured secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSub, Usage: "user id placed in the token", Required: true},
					&cli.StringFlag{Name: flagEmail, Usage: "optional email claim"},
					&cli.DurationFlag{Name: flagTTL, Value: defaultTokenTTL, Usage: "token lifetime"},
				},
				Action: runToken,
			},
			{
				Name:   "topology",
				Usage:  "declare the exchange, queues and bindings on RabbitMQ",
				Action: runTopology,
			},
		},
	}
}

func loadConfig(cliContext *cli.Context) (config.Config, error) {
	return config.Load(cliContext.String(flagConfig))
}

func runServe(cliContext *cli.Context) error {
	configuration, err := loadConfig(cliContext)
	if err != nil {
		return err
	}
	return NewApplicationRunner(configuration).Run(cliContext.Context)
}

func runToken(cliContext *cli.Context) error {
	configuration, err := loadConfig(cliContext)
	if err != nil {
		return err
	}

	token, err := httpapi.GenerateToken(
		configuration.App.JWTSecret,
		cliContext.String(flagSub),
		cliContext.String(flagEmail),
		cliContext.Duration(flagTTL),
	)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cliContext.App.Writer, token)
	return err
}

func runTopology(cliContext *cli.Context) error {
	configuration, err := loadConfig(cliContext)
	if err != nil {
		return err
	}

	broker := configuration.Broker
	if broker.Driver != config.DriverAMQP {
		return errTopologyNeedsAMQP
	}

	connection, err := amqp.Dial(broker.AMQP.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer connection.Close()

	channel, err := connection.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer channel.Close()

	topology := newTopology(broker.AMQP)
	if err := queue.DeclareTopology(channel, topology); err != nil {
		return err
	}

	for _, binding := range topology.Bindings {
		fmt.Fprintf(cliContext.App.Writer, "%s -> %s (%s)\n", topology.Exchange, binding.Queue, binding.RoutingKey)
	}
	return nil
}

func newTopology(settings config.AMQP) queue.Topology {
	return queue.NewTopology(settings.Exchange, settings.EmailQueue, settings.PushQueue, settings.StatusQueue)
}
