package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var checkRealtime bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, checkRealtime)
		},
	}

	cmd.Flags().BoolVar(&checkRealtime, "check-realtime", false, "Also probe the realtime websocket listener")

	return cmd
}

func runStatus(cmd *cobra.Command, checkRealtime bool) error {
	c := newClient()

	health, err := c.health(cmd.Context())
	if err != nil {
		cmd.Println("Server is not running")
		return err
	}

	cmd.Printf("Server is running at %s\n", strings.TrimSuffix(c.base, "/api/v1"))
	if len(health.ModelsLoaded) > 0 {
		cmd.Printf("Loaded models: %s\n", strings.Join(health.ModelsLoaded, ", "))
	}

	if checkRealtime {
		if err := probeRealtime(c.base, health.WebsocketPort); err != nil {
			return fmt.Errorf("realtime listener: %w", err)
		}
		cmd.Printf("Realtime websocket is answering on port %d\n", health.WebsocketPort)
	}
	return nil
}

// probeRealtime opens a transcription session and waits for the created
// event, confirming the websocket listener end to end.
func probeRealtime(apiBase string, port int) error {
	base, err := url.Parse(apiBase)
	if err != nil {
		return err
	}
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", base.Hostname(), port),
		Path:     "/api/v1/realtime",
		RawQuery: "intent=transcription",
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with %s", resp.Status)
		}
		return err
	}
	defer conn.Close()

	var event struct {
		Type string `json:"type"`
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		return err
	}
	if event.Type != "transcription_session.created" {
		return fmt.Errorf("unexpected first event %q", event.Type)
	}
	return nil
}
