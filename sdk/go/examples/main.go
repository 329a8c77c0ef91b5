package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"starknet-agent-kit/sdk/go/starkagent"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": []starkagent.ToolDefinition{
			{Name: "get_block_number", Plugin: "rpc", Kind: "read"},
		}})
	})
	mux.HandleFunc("POST /api/v1/agents/{id}/request", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(starkagent.Task{ID: "task-demo", Kind: "agent.run", AgentID: r.PathValue("id"), Status: "pending"})
	})
	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(starkagent.Task{
			ID:     r.PathValue("id"),
			Status: "succeeded",
			Result: json.RawMessage(`{"output":"block 812345"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := starkagent.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx, "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%d tools available\n", len(tools))

	queued, err := client.ExecuteAsync(ctx, "nova", starkagent.AgentRequest{Input: "What is the latest block?"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("queued task %s (status=%s)\n", queued.ID, queued.Status)

	done, err := client.WaitTask(ctx, queued.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished: %s\n", done.ID, done.Result)
}
