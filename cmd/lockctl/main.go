// lockctl is the operator console: list enrolled devices, lock one and read
// back the one-time unlock code, unlock it remotely, or stream live
// device-state deltas from the bus.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/managex/devlock/internal/bus"
	"github.com/managex/devlock/pkg/protocol"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	busAddr   string
	adminKey  string
)

func main() {
	root := &cobra.Command{
		Use:          "lockctl",
		Short:        "Operator console for the device lock control plane",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if adminKey == "" {
				adminKey = os.Getenv("DEVLOCK_ADMIN_KEY")
			}
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "control plane base URL")
	root.PersistentFlags().StringVar(&busAddr, "bus", "localhost:9527", "command bus address (watch)")
	root.PersistentFlags().StringVar(&adminKey, "admin-key", "", "admin key (or DEVLOCK_ADMIN_KEY)")

	root.AddCommand(listCmd(), lockCmd(), unlockCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List devices with computed presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Devices []struct {
					DeviceID  string    `json:"device_id"`
					Username  string    `json:"username"`
					OS        string    `json:"os"`
					Online    bool      `json:"online"`
					LastSeen  time.Time `json:"last_seen"`
					LockState string    `json:"lock_state"`
				} `json:"devices"`
			}
			if err := call(http.MethodGet, "/api/device/list", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tUSER\tOS\tSTATE\tONLINE\tLAST SEEN")
			for _, d := range resp.Devices {
				online := "offline"
				if d.Online {
					online = "online"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.DeviceID, d.Username, d.OS, d.LockState, online,
					d.LastSeen.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func lockCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "lock <deviceId>",
		Short: "Lock a device and print the one-time unlock code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"command": protocol.CommandLock}
			if message != "" {
				body["message"] = message
			}
			var resp struct {
				UnlockCode string    `json:"unlockCode"`
				ExpiresAt  time.Time `json:"expiresAt"`
			}
			if err := call(http.MethodPost, "/api/device/"+args[0]+"/command", body, &resp); err != nil {
				return err
			}
			// The code is shown once, here, and nowhere else.
			fmt.Printf("locked %s\nunlock code: %s\nexpires:     %s\n",
				args[0], resp.UnlockCode, resp.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message shown on the lock screen")
	return cmd
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <deviceId>",
		Short: "Unlock a device remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"command": protocol.CommandUnlock}
			if err := call(http.MethodPost, "/api/device/"+args[0]+"/command", body, nil); err != nil {
				return err
			}
			fmt.Printf("unlocked %s\n", args[0])
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream device-state deltas from the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := &bus.Client{
				Addr:  busAddr,
				Topic: protocol.TopicAdmins,
				Token: adminKey,
				Handler: func(m *protocol.Message) {
					var upd protocol.DeviceUpdate
					if err := json.Unmarshal(m.Payload, &upd); err != nil {
						return
					}
					line := fmt.Sprintf("%s  %s online=%t state=%s",
						time.Now().Format("15:04:05"), upd.DeviceID, upd.Online, upd.LockState)
					if upd.LastUnlockEvent != nil {
						line += fmt.Sprintf(" last-unlock=***%s", upd.LastUnlockEvent.UsedCodeLast4)
					}
					fmt.Println(line)
				},
			}
			err := client.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func call(method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, serverURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", adminKey)

	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error != "" {
			return fmt.Errorf("server: %s", payload.Error)
		}
		return fmt.Errorf("server: status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
