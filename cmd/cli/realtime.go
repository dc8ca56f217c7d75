package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show realtime coordinator statistics",
	Long: `Show the coordinator's live counters: open connections, live calls
and open chat rooms.

Examples:
  amoura-realtime stats
  amoura-realtime stats --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStats()
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <userId> [userId...]",
	Short: "Check which of the given users are online",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkOnline(args)
	},
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect and recover call state",
}

var activeCallCmd = &cobra.Command{
	Use:   "active <chatId>",
	Short: "Show the chat's active call, if any",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showActiveCall(args[0])
	},
}

var cleanupCallsCmd = &cobra.Command{
	Use:   "cleanup <chatId>",
	Short: "Force-end every live call on a chat",
	Long: `Force-end every live call on a chat. Use when a client is wedged on
a phantom active call that no participant can end normally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cleanupCalls(args[0])
	},
}

func init() {
	callsCmd.AddCommand(activeCallCmd)
	callsCmd.AddCommand(cleanupCallsCmd)
}

func apiRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		if errBody, ok := parsed["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%v: %v", errBody["code"], errBody["message"])
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return parsed, nil
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func showStats() error {
	stats, err := apiRequest("GET", "/api/v1/realtime/stats", nil)
	if err != nil {
		return err
	}
	if output == "json" {
		printJSON(stats)
		return nil
	}
	fmt.Printf("Active connections: %v\n", stats["active_connections"])
	fmt.Printf("Active calls:       %v\n", stats["active_calls"])
	fmt.Printf("Open rooms:         %v\n", stats["open_rooms"])
	return nil
}

func checkOnline(userIDs []string) error {
	result, err := apiRequest("POST", "/api/v1/realtime/online", map[string]interface{}{
		"user_ids": userIDs,
	})
	if err != nil {
		return err
	}
	if output == "json" {
		printJSON(result)
		return nil
	}
	online, _ := result["online"].(map[string]interface{})
	for _, userID := range userIDs {
		state := "offline"
		if isOnline, _ := online[userID].(bool); isOnline {
			state = "online"
		}
		fmt.Printf("%s  %s\n", userID, state)
	}
	return nil
}

func showActiveCall(chatID string) error {
	result, err := apiRequest("GET", "/api/v1/chats/"+chatID+"/active-call", nil)
	if err != nil {
		return err
	}
	if output == "json" {
		printJSON(result)
		return nil
	}
	call, ok := result["active_call"].(map[string]interface{})
	if !ok || call == nil {
		fmt.Println("No active call")
		return nil
	}
	fmt.Printf("Call:      %v\n", call["call_id"])
	fmt.Printf("Status:    %v\n", call["status"])
	fmt.Printf("Media:     %v\n", call["media_type"])
	fmt.Printf("Initiator: %v\n", call["initiator_id"])
	return nil
}

func cleanupCalls(chatID string) error {
	result, err := apiRequest("POST", "/api/v1/chats/"+chatID+"/calls/cleanup", nil)
	if err != nil {
		return err
	}
	if output == "json" {
		printJSON(result)
		return nil
	}
	fmt.Printf("Ended %v call(s)\n", result["calls_ended"])
	return nil
}
