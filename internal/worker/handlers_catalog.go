package worker

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/substrate/internal/db/gorm"
	"github.com/thebtf/substrate/pkg/models"
)

// characterPatch carries the fields a PATCH may change; nil leaves a field alone.
type characterPatch struct {
	Slug         *string                 `json:"slug"`
	Name         *string                 `json:"name"`
	Archetype    *string                 `json:"archetype"`
	Personality  *string                 `json:"personality"`
	Backstory    *string                 `json:"backstory"`
	SystemPrompt *string                 `json:"system_prompt"`
	Greeting     *string                 `json:"greeting"`
	AvatarURL    *string                 `json:"avatar_url"`
	Status       *models.CharacterStatus `json:"status"`
	Gallery      *[]string               `json:"gallery"`
}

func (p *characterPatch) apply(c *models.Character) {
	setIf(&c.Slug, p.Slug)
	setIf(&c.Name, p.Name)
	setIf(&c.Archetype, p.Archetype)
	setIf(&c.Personality, p.Personality)
	setIf(&c.Backstory, p.Backstory)
	setIf(&c.SystemPrompt, p.SystemPrompt)
	setIf(&c.Greeting, p.Greeting)
	setIf(&c.AvatarURL, p.AvatarURL)
	setIf(&c.Status, p.Status)
	setIf(&c.Gallery, p.Gallery)
}

type seriesPatch struct {
	Slug        *string               `json:"slug"`
	Title       *string               `json:"title"`
	Description *string               `json:"description"`
	Genre       *string               `json:"genre"`
	CharacterID *string               `json:"character_id"`
	Status      *models.PublishStatus `json:"status"`
}

func (p *seriesPatch) apply(s *models.Series) {
	setIf(&s.Slug, p.Slug)
	setIf(&s.Title, p.Title)
	setIf(&s.Description, p.Description)
	setIf(&s.Genre, p.Genre)
	setIf(&s.CharacterID, p.CharacterID)
	setIf(&s.Status, p.Status)
}

type episodePatch struct {
	Title            *string               `json:"title"`
	Situation        *string               `json:"situation"`
	DramaticQuestion *string               `json:"dramatic_question"`
	Instructions     *string               `json:"instructions"`
	Status           *models.PublishStatus `json:"status"`
	Number           *int                  `json:"number"`
	TurnBudget       *int                  `json:"turn_budget"`
}

func (p *episodePatch) apply(e *models.Episode) {
	setIf(&e.Title, p.Title)
	setIf(&e.Situation, p.Situation)
	setIf(&e.DramaticQuestion, p.DramaticQuestion)
	setIf(&e.Instructions, p.Instructions)
	setIf(&e.Status, p.Status)
	setIf(&e.Number, p.Number)
	setIf(&e.TurnBudget, p.TurnBudget)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Characters

func (s *Service) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	status := models.CharacterStatus(r.URL.Query().Get("status"))
	list, err := s.currentDeps().Characters.List(r.Context(), status, gorm.ParsePaginationParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Service) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var c models.Character
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, err)
		return
	}
	c.ID = ""
	c.CreatedBy = UserID(r.Context())

	created, err := s.currentDeps().Characters.Create(r.Context(), &c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created)
}

func (s *Service) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := s.currentDeps().Characters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Service) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var patch characterPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	store := s.currentDeps().Characters
	c, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	patch.apply(c)

	updated, err := store.Update(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Service) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	store := s.currentDeps().Characters
	c, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := store.Delete(r.Context(), c.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCharacterGallery(w http.ResponseWriter, r *http.Request) {
	c, err := s.currentDeps().Characters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	gallery := c.Gallery
	if gallery == nil {
		gallery = []string{}
	}
	writeJSON(w, map[string]any{
		"character_id": c.ID,
		"avatar_url":   c.AvatarURL,
		"gallery":      gallery,
	})
}

// Series

func (s *Service) handleListSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.currentDeps().Series.List(r.Context(),
		q.Get("character_id"),
		models.PublishStatus(q.Get("status")),
		gorm.ParsePaginationParams(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Service) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var series models.Series
	if err := decodeJSON(r, &series); err != nil {
		writeError(w, err)
		return
	}
	series.ID = ""
	deps := s.currentDeps()

	// Resolve a slug to the character's ID so the foreign key always holds an ID.
	if series.CharacterID != "" {
		c, err := deps.Characters.Get(r.Context(), series.CharacterID)
		if err != nil {
			writeError(w, err)
			return
		}
		series.CharacterID = c.ID
	}

	created, err := deps.Series.Create(r.Context(), &series)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created)
}

func (s *Service) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.currentDeps().Series.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, series)
}

func (s *Service) handleUpdateSeries(w http.ResponseWriter, r *http.Request) {
	var patch seriesPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	store := s.currentDeps().Series
	series, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	patch.apply(series)

	updated, err := store.Update(r.Context(), series)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Service) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	store := s.currentDeps().Series
	series, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := store.Delete(r.Context(), series.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Episodes

func (s *Service) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	deps := s.currentDeps()
	series, err := deps.Series.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	publishedOnly := r.URL.Query().Get("published") == "true"
	list, err := deps.Episodes.ListBySeries(r.Context(), series.ID, publishedOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

func (s *Service) handleCreateEpisode(w http.ResponseWriter, r *http.Request) {
	var e models.Episode
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, err)
		return
	}
	deps := s.currentDeps()
	series, err := deps.Series.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	e.ID = ""
	e.SeriesID = series.ID

	created, err := deps.Episodes.Create(r.Context(), &e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created)
}

func (s *Service) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	e, err := s.currentDeps().Episodes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, e)
}

func (s *Service) handleUpdateEpisode(w http.ResponseWriter, r *http.Request) {
	var patch episodePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	store := s.currentDeps().Episodes
	e, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	patch.apply(e)

	updated, err := store.Update(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, updated)
}

func (s *Service) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	if err := s.currentDeps().Episodes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
