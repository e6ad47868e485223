package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/wabot/pkg/capability"
)

const (
	maxDice  = 20
	maxSides = 1000
)

var jokes = []string{
	"Why do programmers prefer dark mode? Because light attracts bugs.",
	"I told my computer I needed a break, and it said: no problem, I'll go to sleep.",
	"Why did the scarecrow win an award? He was outstanding in his field.",
	"There are 10 kinds of people: those who understand binary and those who don't.",
	"I would tell you a UDP joke, but you might not get it.",
	"Why don't skeletons fight each other? They don't have the guts.",
}

var quotes = []string{
	"\"The best way to get started is to quit talking and begin doing.\" - Walt Disney",
	"\"It always seems impossible until it's done.\" - Nelson Mandela",
	"\"Simplicity is prerequisite for reliability.\" - Edsger W. Dijkstra",
	"\"Whether you think you can or you think you can't, you're right.\" - Henry Ford",
	"\"Well done is better than well said.\" - Benjamin Franklin",
}

func flipCoin(intn func(int) int) capability.Handler {
	return capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		if intn(2) == 0 {
			return capability.Result{Text: "🪙 Heads!"}, nil
		}
		return capability.Result{Text: "🪙 Tails!"}, nil
	})
}

// rollDice handles "roll 2d6" style arguments; a bare "roll dice" is 1d6.
func rollDice(intn func(int) int) capability.Handler {
	return capability.HandlerFunc(func(_ context.Context, req capability.Request) (capability.Result, error) {
		count, err := diceArg(req.Args.Get("count"), 1)
		if err != nil || count < 1 || count > maxDice {
			return capability.Result{}, capability.Fail(capability.InvalidInput,
				fmt.Sprintf("I can roll between 1 and %d dice.", maxDice), err)
		}
		sides, err := diceArg(req.Args.Get("sides"), 6)
		if err != nil || sides < 2 || sides > maxSides {
			return capability.Result{}, capability.Fail(capability.InvalidInput,
				fmt.Sprintf("Dice need between 2 and %d sides.", maxSides), err)
		}

		rolls := make([]string, count)
		total := 0
		for i := range rolls {
			n := intn(sides) + 1
			total += n
			rolls[i] = strconv.Itoa(n)
		}
		if count == 1 {
			return capability.Result{Text: fmt.Sprintf("🎲 You rolled %s", rolls[0])}, nil
		}
		return capability.Result{
			Text: fmt.Sprintf("🎲 %dd%d: %s (total %d)", count, sides, strings.Join(rolls, " + "), total),
		}, nil
	})
}

func diceArg(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func pickOne(items []string, intn func(int) int) capability.Handler {
	return capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{Text: items[intn(len(items))]}, nil
	})
}

func timeNow(now func() time.Time, zone string) capability.Handler {
	loc := time.Local
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	return capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		t := now().In(loc)
		return capability.Result{Text: "🕒 " + t.Format("Monday, 2 January 2006 15:04 MST")}, nil
	})
}
