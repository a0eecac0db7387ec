package puddlesbot

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	defaultDiceSides = 6
	defaultDiceCount = 1
)

// duckAPIResponse is the payload returned by the random-d.uk API
type duckAPIResponse struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// handleQuack fetches a random duck image and posts its URL
func (p *PuddlesBot) handleQuack(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	err := p.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		p.logger.ErrorContext(ctx, "error deferring response", tint.Err(err))
		return
	}

	content := "Quack! :duck:"
	duck, err := p.fetchDuck(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "error fetching duck", tint.Err(err))
		content = "The ducks are hiding right now, try again later. :duck:"
	} else {
		content = fmt.Sprintf("Quack! %s", duck.URL)
	}

	if _, err = p.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		p.logger.ErrorContext(ctx, "error editing response", tint.Err(err))
	}
}

func (p *PuddlesBot) fetchDuck(ctx context.Context) (*duckAPIResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		p.config.DuckAPIURL,
		nil,
	)
	if err != nil {
		return nil, err
	}

	client := p.config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duck api returned %s", resp.Status)
	}

	var duck duckAPIResponse
	if err = json.NewDecoder(resp.Body).Decode(&duck); err != nil {
		return nil, err
	}
	if duck.URL == "" {
		return nil, fmt.Errorf("duck api returned no url")
	}
	return &duck, nil
}

// handleDiceRoll rolls N dice with S sides and posts the results
func (p *PuddlesBot) handleDiceRoll(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	opts := discordInteractionOptions(i)

	sides := defaultDiceSides
	count := defaultDiceCount
	if opt, ok := opts[diceOptionSides]; ok {
		sides = int(opt.IntValue())
	}
	if opt, ok := opts[diceOptionCount]; ok {
		count = int(opt.IntValue())
	}

	rolls := make([]string, count)
	total := 0
	for n := 0; n < count; n++ {
		roll := rand.IntN(sides) + 1
		total += roll
		rolls[n] = fmt.Sprintf("%d", roll)
	}

	content := fmt.Sprintf(
		":game_die: Rolled %dd%d: %s",
		count,
		sides,
		strings.Join(rolls, ", "),
	)
	if count > 1 {
		content += fmt.Sprintf(" (total: %d)", total)
	}
	p.respondPublic(ctx, i, content)
}
