// Command client is a smoke-test CLI for the gateway: register a user,
// provision an agent, and proxy one request through it, printing each
// response body along the way.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

var serverBaseURL = "http://localhost:8080"

func main() {
	cmd := flag.String("cmd", "smoke", "Command: smoke|register|create-agent|proxy")
	serverFlag := flag.String("server", "", "Override server base URL")
	username := flag.String("username", "smoke-user", "Username for register")
	email := flag.String("email", "smoke@example.com", "Email for register")
	userID := flag.String("user-id", "", "User ID for create-agent")
	agentName := flag.String("agent-name", "smoke-agent", "Agent name for create-agent")
	services := flag.String("services", "", "Comma-separated service ids for create-agent")
	lifespanDays := flag.Int("lifespan-days", 30, "Agent key lifespan in days")
	sessionID := flag.String("session-id", "", "Session ID for proxy")
	service := flag.String("service", "", "Service id for proxy")
	path := flag.String("path", "/", "Upstream path for proxy")
	flag.Parse()

	if env := os.Getenv("CREDPROXY_SERVER"); env != "" {
		serverBaseURL = strings.TrimRight(env, "/")
	}
	if *serverFlag != "" {
		serverBaseURL = strings.TrimRight(*serverFlag, "/")
	}

	var err error
	switch *cmd {
	case "smoke":
		err = runSmoke(*username, *email, *services, *lifespanDays)
	case "register":
		err = runRegister(*username, *email)
	case "create-agent":
		err = runCreateAgent(*userID, *agentName, *services, *lifespanDays)
	case "proxy":
		err = runProxy(*sessionID, *service, *path)
	default:
		err = fmt.Errorf("unknown command %q", *cmd)
	}
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type createAgentResponse struct {
	AgentID         string   `json:"agent_id"`
	SessionID       string   `json:"session_id"`
	AllowedServices []string `json:"allowed_services"`
	ExpiresInSecs   int      `json:"expires_in_secs"`
}

// runSmoke exercises register -> create-agent -> proxy end to end, the
// golden path a fresh deployment should be checked against.
func runSmoke(username, email, services string, lifespanDays int) error {
	fmt.Println("[1] registering user...")
	body, status, err := postJSON(serverBaseURL+"/auth/register", map[string]string{
		"username": username,
		"email":    email,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("register: server returned %d: %s", status, body)
	}
	var user registerResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return fmt.Errorf("register: decode response: %w", err)
	}
	fmt.Println("    user_id:", user.UserID)

	fmt.Println("[2] provisioning agent...")
	svcList := splitCSV(services)
	body, status, err = postJSON(serverBaseURL+"/auth/agent", map[string]any{
		"user_id":           user.UserID,
		"agent_name":        "smoke-agent",
		"agent_description": "created by the smoke-test client",
		"services":          svcList,
		"lifespan_days":     lifespanDays,
	})
	if err != nil {
		return fmt.Errorf("create-agent: %w", err)
	}
	if status != http.StatusCreated {
		return fmt.Errorf("create-agent: server returned %d: %s", status, body)
	}
	var a createAgentResponse
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("create-agent: decode response: %w", err)
	}
	fmt.Println("    agent_id:", a.AgentID, "session_id:", a.SessionID)

	if len(svcList) == 0 {
		fmt.Println("[3] no services requested; skipping proxy step")
		return nil
	}

	fmt.Println("[3] proxying through", svcList[0]+"...")
	return runProxy(a.SessionID, svcList[0], "/")
}

func runRegister(username, email string) error {
	body, status, err := postJSON(serverBaseURL+"/auth/register", map[string]string{
		"username": username,
		"email":    email,
	})
	if err != nil {
		return err
	}
	fmt.Printf("status %d: %s\n", status, body)
	return nil
}

func runCreateAgent(userID, agentName, services string, lifespanDays int) error {
	if userID == "" {
		return fmt.Errorf("--user-id is required")
	}
	body, status, err := postJSON(serverBaseURL+"/auth/agent", map[string]any{
		"user_id":           userID,
		"agent_name":        agentName,
		"agent_description": "",
		"services":          splitCSV(services),
		"lifespan_days":     lifespanDays,
	})
	if err != nil {
		return err
	}
	fmt.Printf("status %d: %s\n", status, body)
	return nil
}

func runProxy(sessionID, service, path string) error {
	if sessionID == "" || service == "" {
		return fmt.Errorf("--session-id and --service are required")
	}
	req, err := http.NewRequest(http.MethodGet, serverBaseURL+"/api/"+service+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-ID", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("status %d: %s\n", resp.StatusCode, body)
	return nil
}

func postJSON(url string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b, resp.StatusCode, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
