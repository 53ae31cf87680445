// voicetester drives one utterance through a running voice backend over
// its websocket endpoint and prints the events that come back. Useful
// for checking a deployment end to end without a browser client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	url := flag.String("url", "ws://localhost:8080/api/voice/ws", "websocket endpoint")
	audioPath := flag.String("audio", "", "path to the utterance audio file")
	format := flag.String("format", "", "audio format, defaults to the file extension")
	session := flag.String("session", "", "session id, generated by the server when empty")
	token := flag.String("token", "", "auth token for an authenticated session")
	chunkSize := flag.Int("chunk", 16*1024, "bytes per audio message")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for the reply")
	flag.Parse()

	if *audioPath == "" {
		flag.Usage()
		log.Fatal("specify the utterance audio file with -audio")
	}

	audio, err := os.ReadFile(*audioPath)
	if err != nil {
		log.Fatalf("read audio file: %v", err)
	}
	if *format == "" {
		*format = strings.TrimPrefix(strings.ToLower(filepath.Ext(*audioPath)), ".")
		if *format == "" {
			*format = "wav"
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	sessionID, err := initialize(conn, *session, *token)
	if err != nil {
		log.Fatalf("initialize session: %v", err)
	}
	log.Printf("session ready id=%s", sessionID)

	if err := sendUtterance(conn, sessionID, audio, *format, *chunkSize); err != nil {
		log.Fatalf("send utterance: %v", err)
	}
	log.Printf("sent %d bytes of %s audio in %d-byte chunks", len(audio), *format, *chunkSize)

	if err := awaitReply(conn, *timeout); err != nil {
		log.Fatalf("await reply: %v", err)
	}
}

func sendEnvelope(conn *websocket.Conn, msgType, sessionID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{
		Type:      msgType,
		SessionID: sessionID,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

func initialize(conn *websocket.Conn, sessionID, token string) (string, error) {
	payload := map[string]string{}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	if token != "" {
		payload["authToken"] = token
	}
	if err := sendEnvelope(conn, "init", sessionID, payload); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev envelope
		if err := conn.ReadJSON(&ev); err != nil {
			return "", err
		}
		if ev.Type != "initialized" {
			log.Printf("<- %s %s", ev.Type, string(ev.Data))
			continue
		}
		var data struct {
			SessionID string `json:"sessionId"`
			Greeting  string `json:"greeting"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return "", err
		}
		if data.Greeting != "" {
			log.Printf("<- greeting: %s", data.Greeting)
		}
		return data.SessionID, nil
	}
}

func sendUtterance(conn *websocket.Conn, sessionID string, audio []byte, format string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 16 * 1024
	}
	for offset := 0; offset < len(audio); offset += chunkSize {
		end := offset + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		payload := map[string]interface{}{
			"chunk":          audio[offset:end],
			"format":         format,
			"endOfUtterance": end == len(audio),
		}
		if err := sendEnvelope(conn, "audio", sessionID, payload); err != nil {
			return err
		}
	}
	return nil
}

func awaitReply(conn *websocket.Conn, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var ev envelope
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}

		switch ev.Type {
		case "ack":
			log.Printf("<- ack")
		case "partial":
			var data struct {
				Text    string `json:"text"`
				IsFinal bool   `json:"isFinal"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return err
			}
			log.Printf("<- partial final=%t %q", data.IsFinal, data.Text)
		case "complete":
			var data struct {
				FullText   string `json:"fullText"`
				EmotionTag string `json:"emotionTag"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				return err
			}
			fmt.Printf("\nreply (%s):\n%s\n", data.EmotionTag, data.FullText)
			return nil
		case "noSpeech", "busy", "error":
			return fmt.Errorf("%s: %s", ev.Type, string(ev.Data))
		default:
			log.Printf("<- %s %s", ev.Type, string(ev.Data))
		}
	}
}
