package lockbox

import "testing"

func TestDefaultOptionsAreValid(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Errorf("default options rejected: %v", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		valid  bool
	}{
		{"defaults", func(o *Options) {}, true},
		{"raised kdf cost", func(o *Options) { o.KDFTime = 4; o.KDFMemoryKiB = 64 * 1024 }, true},
		{"kdf time below floor", func(o *Options) { o.KDFTime = 1 }, false},
		{"kdf memory below floor", func(o *Options) { o.KDFMemoryKiB = 1024 }, false},
		{"zero kdf threads", func(o *Options) { o.KDFThreads = 0 }, false},
		{"password length below floor", func(o *Options) { o.MinPasswordLength = 4 }, false},
		{"score out of range", func(o *Options) { o.MinPasswordScore = 5 }, false},
		{"chunk too small", func(o *Options) { o.FileChunkSize = 1024 }, false},
		{"chunk too large", func(o *Options) { o.FileChunkSize = 32 * 1024 * 1024 }, false},
		{"minimum chunk", func(o *Options) { o.FileChunkSize = 4 * 1024 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.KDFTime = 0

	if _, err := New(opts, nil, nil); err == nil {
		t.Error("expected error for invalid options")
	}
}
