// Command takyctl talks to a running takyd over its management socket.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkuester/taky"
	"github.com/tkuester/taky/config"
)

// maxReply caps a management reply frame.
const maxReply = 1024 * 1024

var (
	cfgPath  string
	sockPath string
)

func main() {
	root := &cobra.Command{
		Use:           "takyctl",
		Short:         "Control a running taky server",
		Version:       taky.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file")
	root.PersistentFlags().StringVar(&sockPath, "socket", "", "management socket path (overrides the config)")

	root.AddCommand(pingCmd(), statusCmd(), purgeCmd(), kickbanCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			reply, err := request(map[string]string{"cmd": "ping"})
			if err != nil {
				return err
			}
			if pong, ok := reply["pong"]; ok {
				fmt.Printf("%v: alive (%s)\n", pong, time.Since(start).Round(time.Millisecond))
				return nil
			}
			return replyError(reply)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's uptime and connected clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(map[string]string{"cmd": "status"})
			if err != nil {
				return err
			}
			if _, ok := reply["version"]; !ok {
				return replyError(reply)
			}

			fmt.Printf("taky v%v\n", reply["version"])
			if uptime, ok := reply["uptime"].(json.Number); ok {
				if secs, err := uptime.Int64(); err == nil {
					fmt.Printf("uptime: %s\n", secondsToHuman(secs))
				}
			}

			clients, _ := reply["clients"].([]any)
			fmt.Printf("clients: %d\n", len(clients))
			for _, item := range clients {
				ent, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if anon, _ := ent["anonymous"].(bool); anon {
					fmt.Printf("  anonymous  ip=%v  rx=%v\n", ent["ip"], ent["num_rx"])
					continue
				}
				fmt.Printf("  %v (%v)  team=%v  role=%v  ip=%v  rx=%v\n",
					ent["callsign"], ent["uid"], ent["group"], ent["role"],
					ent["ip"], ent["num_rx"])
			}
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge_persist",
		Short: "Drop every persisted event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(map[string]string{"cmd": "purge_persist"})
			if err != nil {
				return err
			}
			if purged, ok := reply["purged"]; ok {
				fmt.Printf("purged %v events\n", purged)
				return nil
			}
			return replyError(reply)
		},
	}
}

func kickbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kickban <user>",
		Short: "Revoke a user's certificates and disconnect their sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := request(map[string]string{"cmd": "kickban", "user": args[0]})
			if err != nil {
				return err
			}
			sns, ok := reply["revoked_sns"].([]any)
			if !ok {
				return replyError(reply)
			}

			fmt.Printf("revoked %d certificate(s) for %s\n", len(sns), args[0])
			for _, sn := range sns {
				fmt.Printf("  %v\n", sn)
			}
			return nil
		},
	}
}

// replyError converts an error reply from the server into a Go error.
func replyError(reply map[string]any) error {
	if msg, ok := reply["error"]; ok {
		return fmt.Errorf("server error: %v", msg)
	}
	return fmt.Errorf("unexpected reply: %v", reply)
}

// request sends one NUL-framed JSON command and decodes the reply.
// Numbers are kept as json.Number so 160-bit serials survive.
func request(payload any) (map[string]any, error) {
	path := sockPath
	if path == "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		path = cfg.MgmtSockPath()
	}

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("unable to reach taky at %s: %w", path, err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err = conn.Write(append(data, 0)); err != nil {
		return nil, err
	}

	raw, err := readReply(conn)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var reply map[string]any
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	return reply, nil
}

// readReply reads bytes up to a NUL terminator.
func readReply(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		if one[0] == 0 {
			return buf, nil
		}
		buf = append(buf, one[0])
		if len(buf) > maxReply {
			return nil, errors.New("reply too large")
		}
	}
}

// secondsToHuman renders an uptime like "3d 2h 5m 12s".
func secondsToHuman(secs int64) string {
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	mins := secs / 60
	secs %= 60

	out := ""
	if days > 0 {
		out += fmt.Sprintf("%dd ", days)
	}
	if hours > 0 || out != "" {
		out += fmt.Sprintf("%dh ", hours)
	}
	if mins > 0 || out != "" {
		out += fmt.Sprintf("%dm ", mins)
	}
	return out + fmt.Sprintf("%ds", secs)
}
