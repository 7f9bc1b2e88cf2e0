package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genproxy/internal/adapter/repo"
	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/infra/credentials"
	"genproxy/internal/middleware"
)

func main() {
	var (
		idFlag      string
		tokenFlag   string
		captchaFlag string
		showFlag    bool
		mintFlag    bool
		ttlFlag     time.Duration
	)
	flag.StringVar(&idFlag, "id", "", "user ID to update (UUID)")
	flag.StringVar(&tokenFlag, "token", "", "personal backend token to store")
	flag.StringVar(&captchaFlag, "captcha-key", "", "personal captcha solver key to store")
	flag.BoolVar(&showFlag, "show", false, "print the stored profile (tokens masked) and exit")
	flag.BoolVar(&mintFlag, "mint-jwt", false, "print an API bearer token for the profile, signed with JWT_SECRET")
	flag.DurationVar(&ttlFlag, "jwt-ttl", 24*time.Hour, "lifetime of a minted API token")
	flag.Parse()

	_ = godotenv.Load()

	userID := strings.TrimSpace(idFlag)
	if userID == "" {
		exitWithError(errors.New("-id is required"))
	}
	token := strings.TrimSpace(tokenFlag)
	captchaKey := strings.TrimSpace(captchaFlag)
	if !showFlag && !mintFlag && token == "" && captchaKey == "" {
		exitWithError(errors.New("nothing to do: pass -token, -captcha-key, -show or -mint-jwt"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to create pool: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "tokenctl").Logger()
	profiles := repo.NewProfileRepository(infra.NewSQLRunner(pool, logger))

	if showFlag {
		profile, err := profiles.GetProfile(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("load profile: %w", err))
		}
		fmt.Printf("user:        %s (%s)\n", profile.ID, profile.Username)
		fmt.Printf("role:        %s\n", profile.Role)
		fmt.Printf("token:       %s\n", domain.TokenTail(profile.PersonalToken))
		fmt.Printf("captcha key: %s\n", domain.TokenTail(profile.CaptchaKey))
		fmt.Printf("server:      %s\n", profile.ProxyServer)
		return
	}

	if mintFlag {
		secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
		if secret == "" {
			exitWithError(errors.New("JWT_SECRET is required for -mint-jwt"))
		}
		profile, err := profiles.GetProfile(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("load profile: %w", err))
		}
		jwt, err := middleware.SignJWT(secret, middleware.TokenClaims{
			Sub:      profile.ID,
			Username: profile.Username,
			Role:     string(profile.Role),
			Exp:      time.Now().Add(ttlFlag).Unix(),
		})
		if err != nil {
			exitWithError(fmt.Errorf("sign token: %w", err))
		}
		fmt.Println(jwt)
		return
	}

	if token != "" {
		store := credentials.NewStore(credentials.Options{Profiles: profiles, Logger: &logger})
		if err := store.SetPersonalToken(ctx, userID, token); err != nil {
			exitWithError(fmt.Errorf("failed to store token: %w", err))
		}
		fmt.Printf("token %s stored for %s\n", domain.TokenTail(token), userID)
	}
	if captchaKey != "" {
		if err := profiles.SetCaptchaKey(ctx, userID, captchaKey); err != nil {
			exitWithError(fmt.Errorf("failed to store captcha key: %w", err))
		}
		fmt.Printf("captcha key %s stored for %s\n", domain.TokenTail(captchaKey), userID)
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
