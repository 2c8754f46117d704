package protocol

// Command names one message type in the fleet taxonomy.
type Command string

// Command taxonomy. Direction comments are from a scraper's point of view.
const (
	// CmdGlobalShutdown (inbound, broadcast) stops every participant.
	CmdGlobalShutdown Command = "global_shutdown"
	// CmdScraperAvailable (outbound, broadcast) announces an idle scraper.
	CmdScraperAvailable Command = "scraper_available"
	// CmdURLDispatch (inbound, unicast) starts a crawl, overriding any job in progress.
	CmdURLDispatch Command = "url_dispatch"
	// CmdScraperFinished (outbound, broadcast) reports job completion.
	CmdScraperFinished Command = "scraper_finished"
	// CmdGetStatus (inbound) requests the full status report.
	CmdGetStatus Command = "get_status"
	// CmdGetStatusSimple (inbound) requests the reduced status report.
	CmdGetStatusSimple Command = "get_status_simple"
	// CmdResetScraper (inbound, unicast) aborts the current job.
	CmdResetScraper Command = "reset_scraper"
	// CmdShutdown (inbound, unicast) terminates the addressed scraper.
	CmdShutdown Command = "shutdown"
	// CmdStatusReport (outbound, unicast) answers a status request.
	CmdStatusReport Command = "status_report"
)

// Addressing constrains the destination of a command.
type Addressing int

// Addressing modes.
const (
	AddressBroadcast Addressing = iota + 1
	AddressUnicast
	AddressAny
)

type commandSpec struct {
	addressing Addressing
	// validate checks the message shape; nil means the command carries no payload.
	validate func(Message) error
}

var taxonomy = map[Command]commandSpec{
	CmdGlobalShutdown:   {addressing: AddressBroadcast},
	CmdScraperAvailable: {addressing: AddressBroadcast},
	CmdURLDispatch: {addressing: AddressUnicast, validate: func(m Message) error {
		_, err := ParseURLDispatch(m)
		return err
	}},
	CmdScraperFinished: {addressing: AddressBroadcast, validate: func(m Message) error {
		_, err := ParseScraperFinished(m)
		return err
	}},
	CmdGetStatus:       {addressing: AddressAny},
	CmdGetStatusSimple: {addressing: AddressAny},
	CmdResetScraper:    {addressing: AddressUnicast},
	CmdShutdown:        {addressing: AddressUnicast},
	CmdStatusReport: {addressing: AddressUnicast, validate: func(m Message) error {
		_, err := ParseStatusReport(m)
		return err
	}},
}

// Known reports whether c belongs to the taxonomy.
func (c Command) Known() bool {
	_, ok := taxonomy[c]
	return ok
}

// Addressing returns the addressing mode required by c (zero for unknown commands).
func (c Command) Addressing() Addressing {
	return taxonomy[c].addressing
}

// Commands lists the full taxonomy in a stable order.
func Commands() []Command {
	return []Command{
		CmdGlobalShutdown,
		CmdScraperAvailable,
		CmdURLDispatch,
		CmdScraperFinished,
		CmdGetStatus,
		CmdGetStatusSimple,
		CmdResetScraper,
		CmdShutdown,
		CmdStatusReport,
	}
}
