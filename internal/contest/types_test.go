package contest

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusScheduled: false,
		StatusLocked:    false,
		StatusLive:      false,
		StatusComplete:  true,
		StatusError:     false,
		StatusCancelled: true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusScheduled, StatusLocked, StatusLive, StatusComplete, StatusError, StatusCancelled} {
		if !s.Valid() {
			t.Errorf("%s reported invalid", s)
		}
	}
	if Status("PAUSED").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestTransferStatusTerminal(t *testing.T) {
	terminal := map[TransferStatus]bool{
		TransferPending:        false,
		TransferProcessing:     false,
		TransferRetryable:      false,
		TransferCompleted:      true,
		TransferFailedTerminal: true,
	}
	for status, want := range terminal {
		if got := status.TerminalTransfer(); got != want {
			t.Errorf("%s.TerminalTransfer() = %v, want %v", status, got, want)
		}
	}
}
