package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/store"
)

type seedFile struct {
	Users []struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"users"`
	Equipment []struct {
		Name     string `yaml:"name"`
		Code     string `yaml:"code"`
		Location string `yaml:"location"`
	} `yaml:"equipment"`
}

type seedResult struct {
	Users     int
	Equipment int
	Skipped   int
}

func seed(ctx context.Context, st store.Store, r io.Reader) (seedResult, error) {
	var res seedResult
	var data seedFile
	if err := yaml.NewDecoder(r).Decode(&data); err != nil && err != io.EOF {
		return res, fmt.Errorf("decoding seed file: %w", err)
	}

	users, err := st.ListUsers(ctx)
	if err != nil {
		return res, err
	}
	emails := make(map[string]bool, len(users))
	for _, u := range users {
		emails[strings.ToLower(u.Email)] = true
	}
	for _, u := range data.Users {
		if u.Name == "" || u.Email == "" {
			return res, fmt.Errorf("seed user needs name and email: %+v", u)
		}
		key := strings.ToLower(u.Email)
		if emails[key] {
			res.Skipped++
			continue
		}
		if err := st.CreateUser(ctx, &model.User{Name: u.Name, Email: u.Email}); err != nil {
			return res, fmt.Errorf("creating user %s: %w", u.Email, err)
		}
		emails[key] = true
		res.Users++
	}

	equipment, err := st.ListEquipment(ctx)
	if err != nil {
		return res, err
	}
	codes := make(map[string]bool, len(equipment))
	for _, e := range equipment {
		codes[e.Code] = true
	}
	for _, e := range data.Equipment {
		if e.Name == "" || e.Code == "" {
			return res, fmt.Errorf("seed equipment needs name and code: %+v", e)
		}
		if codes[e.Code] {
			res.Skipped++
			continue
		}
		eq := &model.Equipment{Name: e.Name, Code: e.Code, Location: e.Location, CurrentStatus: model.StatusAvailable}
		if err := st.CreateEquipment(ctx, eq); err != nil {
			return res, fmt.Errorf("creating equipment %s: %w", e.Code, err)
		}
		codes[e.Code] = true
		res.Equipment++
	}
	return res, nil
}
