package receiver

import "github.com/raxjinn/StudyFlowGateway/internal/dicomwire"

// SupportedTransferSyntaxes — синтаксисы, которые Receiver негоциирует
// по умолчанию: implicit VR little-endian и explicit VR little-endian
// (spec §4.4 "negotiate at least the commonly required transfer
// syntaxes"). Gateway не транскодирует, поэтому принимается ровно тот
// синтаксис, который предложил peer, если он входит в этот список.
var SupportedTransferSyntaxes = []string{
	"1.2.840.10008.1.2",   // Implicit VR Little Endian
	"1.2.840.10008.1.2.1", // Explicit VR Little Endian
}

// storagePolicy — AcceptPolicy Receiver'а: принимает ассоциацию, если
// called AE совпадает с конфигурацией, и принимает presentation context
// для любого предложенного SOP class, пока предложенный transfer syntax
// входит в SupportedTransferSyntaxes (spec §4.4 "validate presentation
// contexts for the supported storage SOP classes").
type storagePolicy struct {
	aeTitle          string
	transferSyntaxes map[string]bool
}

func newStoragePolicy(aeTitle string, supported []string) *storagePolicy {
	set := make(map[string]bool, len(supported))
	for _, ts := range supported {
		set[ts] = true
	}
	return &storagePolicy{aeTitle: aeTitle, transferSyntaxes: set}
}

func (p *storagePolicy) Accept(req dicomwire.AssociationRequest) (accepted []string, ok bool, rejectReason string) {
	if req.CalledAE != p.aeTitle {
		return nil, false, "неизвестный called AE title"
	}

	accepted = make([]string, len(req.TransferSyntaxes))
	for i, ts := range req.TransferSyntaxes {
		if p.transferSyntaxes[ts] {
			accepted[i] = ts
		}
	}
	return accepted, true, ""
}
