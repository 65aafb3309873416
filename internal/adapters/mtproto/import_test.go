package mtproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestImportSessionTelethonRows(t *testing.T) {
	key := strings.Repeat("ab", 256)
	raw := fmt.Sprintf(`[{"dc_id":2,"server_address":"149.154.167.51","port":443,"auth_key":"%s"}]`, key)

	imported, err := ImportSession([]byte(raw))
	if err != nil {
		t.Fatalf("ImportSession() error = %v", err)
	}
	if imported.Format != FormatTelethonRows || imported.DC != 2 {
		t.Fatalf("unexpected result: %+v", imported)
	}

	var stored storedSession
	if err := json.Unmarshal(imported.Data, &stored); err != nil {
		t.Fatalf("stored data is not JSON: %v", err)
	}
	if stored.Version != 1 || len(stored.Data.AuthKey) != 256 || len(stored.Data.AuthKeyID) != 8 {
		t.Fatalf("unexpected stored session: version=%d key=%d id=%d", stored.Version, len(stored.Data.AuthKey), len(stored.Data.AuthKeyID))
	}
	if stored.Data.Addr != "149.154.167.51:443" {
		t.Fatalf("unexpected addr %q", stored.Data.Addr)
	}

	again, err := ImportSession(imported.Data)
	if err != nil || again.Format != FormatGotd {
		t.Fatalf("gotd session must be accepted as is: %+v, %v", again, err)
	}
}

func TestImportSessionRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: "  "},
		{name: "garbage", raw: "not a session"},
		{name: "short key", raw: `[{"dc_id":2,"server_address":"1.1.1.1","port":443,"auth_key":"abcd"}]`},
		{name: "gotd without key", raw: `{"Version":1,"Data":{"DC":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ImportSession([]byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := ImportSession([]byte("not a session")); !errors.Is(err, ErrUnsupportedSessionFormat) {
		t.Fatalf("expected ErrUnsupportedSessionFormat, got %v", err)
	}
}
