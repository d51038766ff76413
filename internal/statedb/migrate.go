package statedb

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// dynamoScan is the output of `aws dynamodb scan --output json` against the
// legacy sessions table. Each attribute is a single-key type wrapper.
type dynamoScan struct {
	Items []map[string]dynamoAttr `json:"Items"`
}

type dynamoAttr struct {
	S    *string `json:"S,omitempty"`
	N    *string `json:"N,omitempty"`
	BOOL *bool   `json:"BOOL,omitempty"`
}

func (a dynamoAttr) str() string {
	switch {
	case a.S != nil:
		return *a.S
	case a.N != nil:
		return *a.N
	}
	return ""
}

// ImportDynamoScan reads a DynamoDB scan export (items with threadId,
// sessionId, muted, createdAt) and inserts every mapping into the StateDB.
// Existing threads are left untouched. Returns imported and skipped counts.
func ImportDynamoScan(path string, db *StateDB) (int, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("statedb: read export: %w", err)
	}

	var scan dynamoScan
	if err := json.Unmarshal(data, &scan); err != nil {
		return 0, 0, fmt.Errorf("statedb: parse export: %w", err)
	}

	imported, skipped := 0, 0
	for _, item := range scan.Items {
		threadID := item["threadId"].str()
		sessionID := item["sessionId"].str()
		if threadID == "" || sessionID == "" {
			skipped++
			continue
		}
		if _, err := db.GetThread(threadID); err == nil {
			skipped++
			continue
		}

		row := &ThreadRow{ThreadID: threadID, SessionID: sessionID}
		if m := item["muted"].BOOL; m != nil {
			row.Muted = *m
		}
		if ts := item["createdAt"].str(); ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				row.CreatedAt = t
			}
		}
		if err := db.InsertThread(row); err != nil {
			return imported, skipped, err
		}
		imported++
	}

	if err := db.SetMeta("last_import", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return imported, skipped, err
	}
	return imported, skipped, nil
}
