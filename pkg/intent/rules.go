package intent

import "strings"

// Priority tiers of the default table. A message that fits several rules is
// claimed by the most specific one: attachment-specific conversions, then
// generic attachment work, then commands carrying arguments, then bare
// keyword commands.
const (
	PrioritySpecificAttachment = 300
	PriorityGenericAttachment  = 250
	PriorityArgumentCommand    = 200
	PriorityKeywordCommand     = 100
)

// DefaultRules returns the built-in classification table.
func DefaultRules() []Rule {
	return []Rule{
		// Attachment-specific conversions.
		{
			ID:                 "csv_to_text.keyword",
			Intent:             "csv_to_text",
			Priority:           PrioritySpecificAttachment,
			Keywords:           []string{"csv", "csv to text", "table to text", "read table"},
			RequiresAttachment: true,
		},
		{
			ID:                 "remove_background.keyword",
			Intent:             "remove_background",
			Priority:           PrioritySpecificAttachment,
			Keywords:           []string{"remove background", "remove bg", "removebg", "no background", "transparent background", "cut out"},
			RequiresAttachment: true,
		},

		// Generic attachment work.
		{
			ID:                 "convert_file.pattern",
			Intent:             "convert_file",
			Priority:           PriorityGenericAttachment,
			Keywords:           []string{"convert"},
			Pattern:            `\bconvert\b(?:\s+(?:this|it|file|the file))?\s+(?:to|into)\s+(?P<format>[A-Za-z0-9]+)`,
			RequiresAttachment: true,
			Extract:            lowerArg("format"),
		},
		{
			ID:                 "describe_image.keyword",
			Intent:             "describe_image",
			Priority:           PriorityGenericAttachment,
			Keywords:           []string{"describe", "what is this", "what's this", "what is in this", "caption"},
			RequiresAttachment: true,
		},

		// Commands that carry an argument.
		{
			ID:       "qr_code.pattern",
			Intent:   "qr_code",
			Priority: PriorityArgumentCommand,
			Keywords: []string{"qr", "qr code", "qrcode"},
			Pattern:  `^(?:make\s+(?:a\s+)?)?qr(?:\s*code)?(?:\s+for)?\s+(?P<payload>\S.*)$`,
			Extract:  dropFiller("payload", qrFiller),
		},
		{
			ID:       "weather.pattern",
			Intent:   "weather",
			Priority: PriorityArgumentCommand,
			Keywords: []string{"weather", "forecast"},
			Pattern:  `\b(?:weather|forecast)\s+(?:in|for|at)\s+(?P<city>.+?)[?.!]*$`,
		},
		{
			ID:       "translate.pattern",
			Intent:   "translate",
			Priority: PriorityArgumentCommand,
			Keywords: []string{"translate"},
			Pattern:  `^translate\s+(?:to|into)\s+(?P<lang>[A-Za-z-]+)(?:\s*[:,]\s*|\s+)(?P<text>.+)$`,
			Extract:  lowerArg("lang"),
		},
		{
			ID:       "ask_ai.pattern",
			Intent:   "ask_ai",
			Priority: PriorityArgumentCommand,
			Keywords: []string{"ask ai"},
			Pattern:  `^(?:ask(?:\s+ai)?|ai|gpt)(?:\s*[:,]\s*|\s+)(?P<prompt>.+)$`,
		},
		{
			ID:       "roll_dice.pattern",
			Intent:   "roll_dice",
			Priority: PriorityArgumentCommand,
			Keywords: []string{"roll dice", "roll a dice", "roll a die", "roll the dice", "dice"},
			Pattern:  `\broll\s+(?P<count>\d*)d(?P<sides>\d+)\b`,
		},

		// Bare keyword commands.
		{
			ID:       "flip_coin.keyword",
			Intent:   "flip_coin",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"flip coin", "flip a coin", "coin flip", "toss a coin", "heads or tails"},
		},
		{
			ID:       "joke.keyword",
			Intent:   "joke",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"joke", "make me laugh"},
		},
		{
			ID:       "quote.keyword",
			Intent:   "quote",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"quote", "inspire me", "motivation"},
		},
		{
			ID:       "time_now.keyword",
			Intent:   "time_now",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"time", "what time is it", "current time", "date"},
		},
		{
			ID:       "system_info.keyword",
			Intent:   "system_info",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"system info", "sysinfo", "server status", "uptime"},
		},
		{
			ID:       "help.keyword",
			Intent:   "help",
			Priority: PriorityKeywordCommand,
			Keywords: []string{"help", "menu", "commands"},
			Pattern:  `^/?start[.!]*$`,
		},
		// Whole message only: "stop" inside a sentence is not a command.
		{
			ID:       "cancel.pattern",
			Intent:   Cancel,
			Priority: PriorityKeywordCommand,
			Pattern:  `^(?:please\s+)?/?(?:cancel|stop|abort)(?:\s+(?:it|that|this|the task|task))?(?:\s+please)?[.!]*$`,
		},
	}
}

func lowerArg(name string) func(map[string]string) map[string]string {
	return func(args map[string]string) map[string]string {
		if v, ok := args[name]; ok {
			args[name] = strings.ToLower(v)
		}
		return args
	}
}

// qrFiller are words that complete the command rather than start a payload:
// "qr code", "QR code please", "make a qr code for".
var qrFiller = map[string]bool{"code": true, "for": true, "please": true, "pls": true}

// dropFiller removes arg name when it holds nothing but filler words.
func dropFiller(name string, filler map[string]bool) func(map[string]string) map[string]string {
	return func(args map[string]string) map[string]string {
		v, ok := args[name]
		if !ok {
			return args
		}
		for _, w := range strings.Fields(normalizeKeywords(v)) {
			if !filler[w] {
				return args
			}
		}
		delete(args, name)
		return args
	}
}
