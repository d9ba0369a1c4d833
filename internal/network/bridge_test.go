package network

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{
			name: "defaults valid",
			opts: Options{Bridge: "fcbr0", Tap: "fctap0", Address: "172.16.0.1/24"},
		},
		{
			name:    "bridge name too long",
			opts:    Options{Bridge: "thisnameiswaytoolong", Tap: "fctap0", Address: "172.16.0.1/24"},
			wantErr: true,
		},
		{
			name:    "tap name with slash",
			opts:    Options{Bridge: "fcbr0", Tap: "fc/tap", Address: "172.16.0.1/24"},
			wantErr: true,
		},
		{
			name:    "same name for both",
			opts:    Options{Bridge: "fcbr0", Tap: "fcbr0", Address: "172.16.0.1/24"},
			wantErr: true,
		},
		{
			name:    "address without mask",
			opts:    Options{Bridge: "fcbr0", Tap: "fctap0", Address: "172.16.0.1"},
			wantErr: true,
		},
		{
			name:    "garbage address",
			opts:    Options{Bridge: "fcbr0", Tap: "fctap0", Address: "not-an-address"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
