package repo

import (
	"context"
	"database/sql"

	"eomf/internal/domain"
)

func scanSpeech(row scanner) (domain.Speech, error) {
	var (
		s     domain.Speech
		npcID sql.NullInt64
		tts   int
	)
	err := row.Scan(&s.ID, &npcID, &s.Text, &s.Recording, &s.ContentType, &tts)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if npcID.Valid {
		id := npcID.Int64
		s.NPCID = &id
	}
	s.TTS = tts != 0
	return s, nil
}

// GetOrCreateSpeech finds the cached line an NPC speaks for text, adding an
// empty entry if the line has never been spoken. A nil npcID is the
// narrator voice.
func (r Repo) GetOrCreateSpeech(ctx context.Context, npcID *int64, text string) (domain.Speech, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Speech{}, err
	}
	defer tx.Rollback()
	const sel = `SELECT id,npc_id,text,recording,content_type,tts FROM speeches WHERE npc_id IS ? AND text=? ORDER BY id LIMIT 1`
	s, err := scanSpeech(tx.QueryRowContext(ctx, sel, nullableIDPtr(npcID), text))
	if err == nil {
		return s, tx.Commit()
	}
	if err != ErrNotFound {
		return domain.Speech{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO speeches(npc_id,text,tts) VALUES (?,?,1)`, nullableIDPtr(npcID), text)
	if err != nil {
		return domain.Speech{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Speech{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Speech{}, err
	}
	return domain.Speech{ID: id, NPCID: npcID, Text: text, TTS: true}, nil
}

func (r Repo) GetSpeech(ctx context.Context, id int64) (domain.Speech, error) {
	return scanSpeech(r.DB.QueryRowContext(ctx, `SELECT id,npc_id,text,recording,content_type,tts FROM speeches WHERE id=?`, id))
}

// StoreRecording attaches audio to a speech entry. synthesized marks audio
// produced by text to speech rather than recorded by a voice actor.
func (r Repo) StoreRecording(ctx context.Context, id int64, recording []byte, contentType string, synthesized bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE speeches SET recording=?, content_type=?, tts=? WHERE id=?`, recording, contentType, boolInt(synthesized), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
