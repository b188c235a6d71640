package cmd

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/bascula/netmoded/internal/core"
)

func TestLoopbackAddr(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":8080", "127.0.0.1:8080"},
		{"0.0.0.0:8080", "127.0.0.1:8080"},
		{"[::]:9000", "127.0.0.1:9000"},
		{"localhost:8080", "127.0.0.1:8080"},
		{"192.168.4.1:8080", "192.168.4.1:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			core.Config = viper.New()
			core.Config.Set("http.listen", tt.listen)
			if got := loopbackAddr(); got != tt.want {
				t.Errorf("loopbackAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}
