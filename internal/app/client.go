package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SendCommand posts one admin command to a running server and writes the
// indented JSON reply to out. A non-200 reply is returned as an error after
// the body has been written.
func SendCommand(ctx context.Context, client *http.Client, addr, command string, out io.Writer) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/admin"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(command))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	if _, err := out.Write(append(bytes.TrimRight(pretty.Bytes(), "\n"), '\n')); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("command failed: %s", resp.Status)
	}
	return nil
}
