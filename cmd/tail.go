package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnigate/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var (
		addr   string
		events []string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow live gateway events over WebSocket",
		Long:  "Connect to a running gateway and print delivery events as they happen. --events limits output to the named events (message.sent, message.failed, message.dead, ...).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "0.0.0.0" || host == "" {
					host = "localhost"
				}
				addr = fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), addr, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", addr, err)
			}
			defer conn.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				conn.Close()
			}()

			if err := tailRequest(conn, protocol.MethodConnect, map[string]interface{}{
				"api_key": cfg.Gateway.APIKey,
			}); err != nil {
				return err
			}
			if len(events) > 0 {
				if err := tailRequest(conn, protocol.MethodSubscribe, map[string]interface{}{
					"events": events,
				}); err != nil {
					return err
				}
			}

			fmt.Printf("Following events from %s (Ctrl-C to stop)\n", addr)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return nil
				}

				frameType, err := protocol.ParseFrameType(raw)
				if err != nil {
					continue
				}
				switch frameType {
				case protocol.FrameTypeResponse:
					var resp protocol.ResponseFrame
					if err := json.Unmarshal(raw, &resp); err != nil {
						continue
					}
					if !resp.OK {
						msg := "request rejected"
						if resp.Error != nil {
							msg = resp.Error.Message
						}
						return fmt.Errorf("%s", msg)
					}

				case protocol.FrameTypeEvent:
					var ev protocol.EventFrame
					if err := json.Unmarshal(raw, &ev); err != nil {
						continue
					}
					printEvent(ev)
					if ev.Event == protocol.EventShutdown {
						fmt.Println("Gateway shut down.")
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway WebSocket URL (default: ws://<host>:<port>/ws from config)")
	cmd.Flags().StringSliceVar(&events, "events", nil, "only show these events (comma separated)")
	return cmd
}

// tailRequest writes one request frame. The response arrives interleaved
// with events and is checked in the read loop.
func tailRequest(conn *websocket.Conn, method string, params map[string]interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     uuid.NewString(),
		Method: method,
		Params: raw,
	})
}

func printEvent(ev protocol.EventFrame) {
	stamp := time.Now().Format("15:04:05")
	if ev.Payload == nil {
		fmt.Printf("%s  %s\n", stamp, ev.Event)
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		fmt.Printf("%s  %s\n", stamp, ev.Event)
		return
	}
	fmt.Printf("%s  %-18s %s\n", stamp, ev.Event, strings.TrimSpace(string(payload)))
}
