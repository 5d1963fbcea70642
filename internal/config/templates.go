package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the starter config to path. Refuses to clobber an
// existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `# btkit configuration.
# The first device is the default.

# master_radio = "hci0"
sink_profile = "a2dp_sink"

[[devices]]
name = "headphones"
address = "AA:BB:CC:DD:EE:FF"

[commands]
rfkill = "rfkill"
bluetoothctl = "bluetoothctl"
pactl = "pactl"

# Marker patterns are daemon-version dependent; override when your
# bluetoothctl wording differs.
[markers]
# banner = "(?i)agent registered"
# connect_ok = "(?i)connection successful"
# connect_failed = "(?i)failed to connect"
# disconnect_ok = "(?i)successful(ly)? disconnected"
# device_unavailable = "(?i)not available"
# connected_status = "Connected:\\s*(yes|no)"

[timeouts]
startup = "10s"
status = "5s"
poll = "100ms"
teardown = "30s"

[backoff]
initial_delay = "250ms"
multiplier = 1.5
max_delay = "3s"
jitter = false

[monitor]
listen_addr = ":9120"
# auth_token = "change-me"
cors_origins = ["http://localhost:3000"]

# Run collaborators on a remote host instead of locally.
# [ssh]
# host = "htpc.lan"
# user = "media"
# key_path = "/home/me/.ssh/id_ed25519"
`
