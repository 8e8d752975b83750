package main

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <ws-addr>",
		Short: "connect to a running daemon's /stats push endpoint and print updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(args[0])
		},
	}
}

func runStats(addr string) error {
	url := "ws://" + addr + "/stats"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("utpd: connect to %s: %w", url, err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("utpd: stats stream closed: %w", err)
		}

		var pretty []map[string]interface{}
		if err := json.Unmarshal(data, &pretty); err != nil {
			fmt.Println(string(data))
			continue
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			fmt.Println(string(data))
			continue
		}
		fmt.Println(string(out))
	}
}
