package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/bridge"
)

// =============================================================================
// 🎮 demo 命令：交互式控制台
// =============================================================================

func newDemoCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Interactive console that creates and shuts down a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			obs := initObservability(cfg)
			defer obs.close()

			ctx := cmd.Context()
			app, err := newServerApp(ctx, cfg, obs.logger, obs.collector, obs.providers)
			if err != nil {
				return err
			}
			defer func() { _ = app.close(context.Background()) }()

			return newConsole(app, cmd.InOrStdin(), cmd.OutOrStdout()).run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	return cmd
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

const consoleHelp = `"help": for help,
"create": create a new server in general,
"create local": create a local server of random host name,
"create ipv4": create an ipv4 server, binding with 127.0.0.2:8127
"create ipv6": create an ipv6 server, binding with [::1]:8127
"shutdown": shutdown the server and all existing connections, and exit the program after the shutdown process succeed
"connection num": print out the number of existing connections
"exit": leave without waiting for shutdown`

type console struct {
	app *serverApp
	in  *bufio.Scanner
	out io.Writer
}

func newConsole(app *serverApp, in io.Reader, out io.Writer) *console {
	return &console{app: app, in: bufio.NewScanner(in), out: out}
}

// run 读取命令直到 shutdown、exit 或输入结束
func (c *console) run(ctx context.Context) error {
	okColor.Fprintln(c.out, "crtbridge demo console, type \"help\" for commands")
	for {
		promptColor.Fprint(c.out, "~:")
		line, ok := c.readLine()
		if !ok {
			return c.in.Err()
		}
		done, err := c.dispatch(ctx, line)
		if err != nil {
			errColor.Fprintf(c.out, "%v\n", err)
		}
		if done {
			return nil
		}
	}
}

func (c *console) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func (c *console) ask(prompt string) (string, error) {
	fmt.Fprintln(c.out, prompt)
	line, ok := c.readLine()
	if !ok {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}

// dispatch 执行一条命令；返回 true 表示控制台应退出
func (c *console) dispatch(ctx context.Context, line string) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "create":
		return false, c.create(ctx)
	case "create local":
		return false, c.createLocal(ctx)
	case "create ipv4":
		return false, c.createOn(ctx, "127.0.0.2", 8127, bridge.SocketDomainIPv4)
	case "create ipv6":
		return false, c.createOn(ctx, "::1", 8127, bridge.SocketDomainIPv6)
	case "connection num":
		fmt.Fprintln(c.out, c.app.handler.Connections())
	case "shutdown":
		if c.app.server == nil {
			warnColor.Fprintln(c.out, "no server to shut down")
			return false, nil
		}
		fmt.Fprintln(c.out, "Now shutdown the server")
		if err := c.app.shutdown(ctx); err != nil {
			return false, err
		}
		okColor.Fprintln(c.out, "Shutdown the server success, exiting demo!")
		return true, nil
	case "exit", "quit":
		return true, nil
	default:
		warnColor.Fprintf(c.out, "unknown command %q, type \"help\"\n", line)
	}
	return false, nil
}

func (c *console) create(ctx context.Context) error {
	if c.app.server != nil {
		return errServerExists
	}
	host, err := c.ask("Please input the host name")
	if err != nil {
		return err
	}
	rawPort, err := c.ask("Please input the port num")
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q", rawPort)
	}
	rawDomain, err := c.ask("Please input the options for socket_domain: (local/ ipv4/ ipv6)")
	if err != nil {
		return err
	}
	domain, err := bridge.ParseSocketDomain(rawDomain)
	if err != nil {
		return err
	}
	if domain == bridge.SocketDomainLocal {
		host = localSocketPath(host)
	}
	return c.createOn(ctx, host, uint16(port), domain)
}

func (c *console) createLocal(ctx context.Context) error {
	return c.createOn(ctx, localSocketPath(uuid.NewString()[:8]), 0, bridge.SocketDomainLocal)
}

func (c *console) createOn(ctx context.Context, host string, port uint16, domain bridge.SocketDomain) error {
	if c.app.server != nil {
		return errServerExists
	}
	opts, err := socketOptions(c.app.cfg.Socket)
	if err != nil {
		return err
	}
	opts.Domain = domain

	srv, err := c.app.start(ctx, host, port, opts)
	if err != nil {
		c.app.logger.Debug("console create failed", zap.Error(err))
		return err
	}
	okColor.Fprintf(c.out, "server create success on %s\n", srv.Addr())
	return nil
}

// localSocketPath 在临时目录下生成本地套接字路径
func localSocketPath(name string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("testsock-%s.sock", name))
}
